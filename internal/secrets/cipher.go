package secrets

import (
	"errors"

	"filippo.io/age"
)

// AgeCipher seals store credential columns (basic secrets, OAuth client
// secrets, access and refresh tokens) with age. It satisfies store.Cipher.
//
// Values written before sealing was enabled are returned unchanged by Open,
// so turning storage.seal_credentials on does not strand existing accounts.
type AgeCipher struct {
	identities []age.Identity
	recipients []age.Recipient
}

// NewAgeCipher builds a cipher from the daemon identities. Every X25519
// identity contributes its recipient.
func NewAgeCipher(identities []age.Identity) (*AgeCipher, error) {
	c := &AgeCipher{identities: identities}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			c.recipients = append(c.recipients, x.Recipient())
		}
	}
	if len(c.recipients) == 0 {
		return nil, errors.New("no X25519 identity available for sealing credentials")
	}
	return c, nil
}

// Seal encrypts plaintext into the ENC[...] form.
func (c *AgeCipher) Seal(plaintext string) (string, error) {
	return Encrypt(plaintext, c.recipients...)
}

// Open decrypts an ENC[...] value. Plain values pass through.
func (c *AgeCipher) Open(sealed string) (string, error) {
	if !IsEncrypted(sealed) {
		return sealed, nil
	}
	return Decrypt(sealed, c.identities...)
}
