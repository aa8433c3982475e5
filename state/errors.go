package state

import "fmt"

type (
	ErrInvalidBlock error

	ErrAppBlockHeightMismatch struct {
		AppHeight   int64
		StoreHeight int64
	}
)

func (e ErrAppBlockHeightMismatch) Error() string {
	return fmt.Sprintf("app block height (%d) does not match state height (%d)", e.AppHeight, e.StoreHeight)
}
