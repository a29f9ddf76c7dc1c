package storage

import "errors"

// ErrDecryption indicates a stored secret could not be decrypted, typically
// because the token is malformed, truncated, or was sealed with another key.
var ErrDecryption = errors.New("decryption failed")
