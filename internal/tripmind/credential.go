package tripmind

import (
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// credential holds the upstream API key sealed in a memguard enclave. Callers
// get a short-lived heap copy; the locked buffer is destroyed right after.
type credential struct {
	enclave *memguard.Enclave
}

func credentialFromEnv(name string) *credential {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return &credential{}
	}
	return newCredential([]byte(v))
}

// newCredential seals key. The caller's slice is wiped.
func newCredential(key []byte) *credential {
	if len(key) == 0 {
		return &credential{}
	}
	return &credential{enclave: memguard.NewEnclave(key)}
}

func (c *credential) present() bool {
	return c != nil && c.enclave != nil
}

// use opens the enclave for the duration of fn.
func (c *credential) use(fn func(key string) error) error {
	if !c.present() {
		return ErrMissingCredential
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return err
	}
	key := strings.Clone(buf.String())
	buf.Destroy()
	return fn(key)
}

// reveal returns a plaintext copy. Only the live-session endpoint needs it.
func (c *credential) reveal() (string, error) {
	var out string
	err := c.use(func(key string) error {
		out = key
		return nil
	})
	return out, err
}
