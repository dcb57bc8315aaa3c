package identity

import (
	"crypto/rand"
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// SecretMatcher checks a presented backend secret.
type SecretMatcher interface {
	Match(presented string) bool
}

// digester hashes secrets to fixed-size keyed BLAKE3 digests so comparison
// cost does not depend on either input's length or content.
type digester struct {
	key [32]byte
}

func newDigester() digester {
	var d digester
	if _, err := rand.Read(d.key[:]); err != nil {
		panic("identity: reading random key: " + err.Error())
	}
	return d
}

func (d digester) sum(s string) [32]byte {
	h, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		panic("identity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write([]byte(s))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (d digester) equal(want [32]byte, presented string) bool {
	got := d.sum(presented)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// StaticSecret matches against a fixed secret. The zero secret ("")
// matches nothing.
type StaticSecret struct {
	d      digester
	want   [32]byte
	enable bool
}

func NewStaticSecret(secret string) *StaticSecret {
	s := &StaticSecret{d: newDigester(), enable: secret != ""}
	s.want = s.d.sum(secret)
	return s
}

func (s *StaticSecret) Match(presented string) bool {
	eq := s.d.equal(s.want, presented)
	return eq && s.enable
}
