// Package ring implements the consistent-hash ring that places keys on storage
// nodes, together with the range algebra used to plan data movement.
package ring

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"net"
	"strconv"
)

var one = big.NewInt(1)

// Node is the identity of a storage server. It is immutable once created and
// its ring position is derived from host and port only.
type Node struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Hash returns the node's ring position.
func (n Node) Hash() *big.Int {
	return Hash(fmt.Sprintf("%s:%d", n.Host, n.Port))
}

// HashHex returns the node's ring position in hexadecimal.
func (n Node) HashHex() string {
	return n.Hash().Text(16)
}

// Address returns host:port suitable for dialing.
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Address())
}

// Hash collapses the MD5 digest of data into an unsigned integer.
func Hash(data string) *big.Int {
	sum := md5.Sum([]byte(data))
	return new(big.Int).SetBytes(sum[:])
}

// KeyHash is the ring position of a client key.
func KeyHash(key string) *big.Int {
	return Hash(key)
}

// ParseHash parses a hexadecimal ring position.
func ParseHash(hex string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(hex, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid hash %q", hex)
	}
	return v, nil
}

func successorHash(h *big.Int) *big.Int {
	return new(big.Int).Add(h, one)
}
