package blsverify

import "github.com/go-errors/errors"

func errMalformed(what string, got, want int) error {
	return errors.Errorf("blsverify: malformed %s: got %d bytes, want %d", what, got, want)
}

func errNoSigners() error {
	return errors.Errorf("blsverify: no signer public keys supplied")
}

func wrapErr(step string, err error) error {
	return errors.Errorf("blsverify: %s: %v", step, err)
}
