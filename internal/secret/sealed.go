package secret

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Sealed keeps a decrypted secret encrypted in guarded memory between
// uses. Reveal opens it into a locked buffer for the duration of the
// callback. Copies a caller makes inside the callback, and the string
// Cipher.Decrypt returned before sealing, live in ordinary heap memory.
type Sealed struct {
	// enclave is nil for an empty secret; memguard refuses to seal
	// zero-length data.
	enclave *memguard.Enclave
}

// Seal moves plaintext into a memguard enclave. The temporary byte copy is
// wiped by memguard once sealed.
func Seal(plaintext string) *Sealed {
	return &Sealed{enclave: memguard.NewEnclave([]byte(plaintext))}
}

// Reveal decrypts the enclave and passes its contents to fn. The locked
// buffer is destroyed when fn returns; fn must not retain the slice.
func (s *Sealed) Reveal(fn func(plaintext []byte) error) error {
	if s == nil || s.enclave == nil {
		return fn(nil)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open sealed secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// DecryptSealed decrypts blob with c and seals the result.
func DecryptSealed(c *Cipher, blob string) (*Sealed, error) {
	plain, err := c.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	return Seal(plain), nil
}
