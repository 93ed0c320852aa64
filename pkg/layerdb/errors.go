package layerdb

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown     = errors.New("layerdb is shut down")
	ErrUnknownTable = errors.New("unknown layerdb table")
)

// IntegrityError reports stored bytes that do not decode into the expected
// type or whose hash does not match their key. It is never retried.
type IntegrityError struct {
	DB  string
	Key string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("layerdb integrity violation in %s for key %s: %v", e.DB, e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
