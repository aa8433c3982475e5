package consensus

// FutureBuffer 缓存高于当前高度的消息，进入新的高度后重新处理
// 容量满时丢弃最早的消息
// 只在receiveRoutine中使用，不需要加锁
type FutureBuffer struct {
	size int
	msgs []msgInfo
}

func NewFutureBuffer(size int) *FutureBuffer {
	return &FutureBuffer{size: size}
}

// Add 返回是否有旧消息因为容量被丢弃
func (fb *FutureBuffer) Add(mi msgInfo) bool {
	if fb.size <= 0 {
		return true
	}
	dropped := false
	if len(fb.msgs) >= fb.size {
		fb.msgs = fb.msgs[1:]
		dropped = true
	}
	fb.msgs = append(fb.msgs, mi)
	return dropped
}

// PopHeight 取出height的消息，同时丢掉所有更低高度的消息
// 返回的消息保持接收顺序
func (fb *FutureBuffer) PopHeight(height int64) []msgInfo {
	var (
		res  []msgInfo
		keep = fb.msgs[:0]
	)
	for _, mi := range fb.msgs {
		switch h := msgHeight(mi.Msg); {
		case h == height:
			res = append(res, mi)
		case h > height:
			keep = append(keep, mi)
		}
	}
	// 释放被丢弃的引用
	for i := len(keep); i < len(fb.msgs); i++ {
		fb.msgs[i] = msgInfo{}
	}
	fb.msgs = keep
	return res
}

func (fb *FutureBuffer) Size() int {
	return len(fb.msgs)
}
