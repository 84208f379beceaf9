package rexd

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GeneratePrivateKey creates a new private (RSA) key,
// and returns it as an ssh.Signer.
//
func GeneratePrivateKey(bits int) (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}

	// Validate Private Key
	err = key.Validate()
	if err != nil {
		return nil, err
	}

	return ssh.NewSignerFromKey(key)
}

// GeneratePrivateKeyPEM creates a new private (RSA) key,
// and returns its PEM encoding, suitable for writing to a
// host key file.
//
func GeneratePrivateKeyPEM(bits int) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}

	err = key.Validate()
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}

// WriteHostKey generates a new private (RSA) key, writes it
// (PEM-encoded, mode 0600) to the given path, and returns it
// as an ssh.Signer, ready to be handed to a Server.
//
func WriteHostKey(path string, bits int) (ssh.Signer, error) {
	b, err := GeneratePrivateKeyPEM(bits)
	if err != nil {
		return nil, err
	}

	if err := ioutil.WriteFile(path, b, 0600); err != nil {
		return nil, err
	}

	return ssh.ParsePrivateKey(b)
}

// PrivateKeyFromFile reads the given file, parses a single
// private key (in PEM format) from it, and returns that.
// The key type (RSA, DSA, ECDSA, Ed25519) is detected from
// the PEM encoding itself; no filename sniffing is involved.
//
func PrivateKeyFromFile(path string) (ssh.Signer, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ssh.ParsePrivateKey(b)
}

// PrivateKeyFromBytes parses a single private key (in PEM
// format) from the passed byte slice, and returns it.
//
func PrivateKeyFromBytes(pem []byte) (ssh.Signer, error) {
	return ssh.ParsePrivateKey(pem)
}

// ParseAuthorizedKeys parses an sshd(8) authorized_keys-style
// byte buffer: one key per line, `<type> <base64-blob> [comment]`.
//
// Lines with fewer than two fields are skipped, as are lines
// whose type is not ssh-rsa, ssh-dss, or ecdsa-*.  A line that
// passes those checks but whose key material will not parse is
// an error -- a garbled key that was supposed to work is worth
// stopping for.
//
func ParseAuthorizedKeys(b []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey

	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		flds := strings.Fields(sc.Text())
		if len(flds) < 2 {
			continue
		}

		switch {
		case flds[0] == "ssh-rsa":
		case flds[0] == "ssh-dss":
		case strings.HasPrefix(flds[0], "ecdsa-"):
		default:
			continue
		}

		blob, err := base64.StdEncoding.DecodeString(flds[1])
		if err != nil {
			return nil, fmt.Errorf("malformed %s authorized key: %s", flds[0], err)
		}
		key, err := ssh.ParsePublicKey(blob)
		if err != nil {
			return nil, fmt.Errorf("malformed %s authorized key: %s", flds[0], err)
		}

		keys = append(keys, key)
	}

	return keys, sc.Err()
}

// LoadAuthorizedKeys reads the given file and parses it with
// ParseAuthorizedKeys.
//
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseAuthorizedKeys(b)
}
