// Package bls 基于kyber bn256实现共识用的BLS签名，
// 同一消息上的签名可以聚合成一个签名，和签名的先后顺序无关
package bls

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

const (
	PrivKeyName = "mainsail/PrivKeyBLS"
	PubKeyName  = "mainsail/PubKeyBLS"

	KeyType = "bls-bn256"
)

var (
	suite = bn256.NewSuite()

	ErrEmptyAggregate = errors.New("nothing to aggregate")
)

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

var _ crypto.PrivKey = PrivKey{}

// PrivKey 是kyber标量的二进制编码
type PrivKey []byte

func (privKey PrivKey) Bytes() []byte {
	return []byte(privKey)
}

func (privKey PrivKey) scalar() (kyber.Scalar, error) {
	x := suite.G2().Scalar()
	if err := x.UnmarshalBinary(privKey); err != nil {
		return nil, err
	}
	return x, nil
}

// Sign 对msg进行BLS签名
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	x, err := privKey.scalar()
	if err != nil {
		return nil, fmt.Errorf("invalid bls private key: %w", err)
	}
	return bls.Sign(suite, x, msg)
}

func (privKey PrivKey) PubKey() crypto.PubKey {
	x, err := privKey.scalar()
	if err != nil {
		panic(err)
	}
	X := suite.G2().Point().Mul(x, nil)
	bz, err := X.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PubKey(bz)
}

func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return bytes.Equal(privKey, otherBLS)
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

// GenPrivKey 随机生成私钥
func GenPrivKey() PrivKey {
	return genPrivKey(suite.RandomStream())
}

// GenPrivKeyFromSecret 根据secret确定性地生成私钥，测试网络和测试用例使用
func GenPrivKeyFromSecret(secret []byte) PrivKey {
	return genPrivKey(blake2xb.New(secret))
}

func genPrivKey(random cipher.Stream) PrivKey {
	x, _ := bls.NewKeyPair(suite, random)
	bz, err := x.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PrivKey(bz)
}

//-------------------------------------

var _ crypto.PubKey = PubKey{}

// PubKey 是G2上点的二进制编码
type PubKey []byte

func (pubKey PubKey) Address() crypto.Address {
	return crypto.AddressHash(pubKey)
}

func (pubKey PubKey) Bytes() []byte {
	return []byte(pubKey)
}

func (pubKey PubKey) point() (kyber.Point, error) {
	X := suite.G2().Point()
	if err := X.UnmarshalBinary(pubKey); err != nil {
		return nil, err
	}
	return X, nil
}

func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	X, err := pubKey.point()
	if err != nil {
		return false
	}
	return bls.Verify(suite, X, msg, sig) == nil
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey, otherBLS)
	}
	return false
}

//-------------------------------------

// AggregateSignatures 聚合多个签名，结果与参数顺序无关
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrEmptyAggregate
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// AggregatePubKeys 聚合多个公钥，用来验证聚合签名
func AggregatePubKeys(pubKeys ...crypto.PubKey) (PubKey, error) {
	if len(pubKeys) == 0 {
		return nil, ErrEmptyAggregate
	}

	points := make([]kyber.Point, 0, len(pubKeys))
	for i, pk := range pubKeys {
		blsKey, ok := pk.(PubKey)
		if !ok {
			return nil, fmt.Errorf("public key #%d is not a bls key: %T", i, pk)
		}
		X, err := blsKey.point()
		if err != nil {
			return nil, fmt.Errorf("public key #%d: %w", i, err)
		}
		points = append(points, X)
	}

	bz, err := bls.AggregatePublicKeys(suite, points...).MarshalBinary()
	if err != nil {
		return nil, err
	}
	return PubKey(bz), nil
}

// VerifyAggregate 验证pubKeys在同一个msg上的聚合签名
func VerifyAggregate(pubKeys []crypto.PubKey, msg, sig []byte) bool {
	aggKey, err := AggregatePubKeys(pubKeys...)
	if err != nil {
		return false
	}
	return aggKey.VerifySignature(msg, sig)
}
