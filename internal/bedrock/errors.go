package bedrock

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrChunkPayload indicates a chunk carried bytes that do not decode as
// text. Unlike malformed trace content, this signals a corrupt response
// stream, so the whole call fails.
var ErrChunkPayload = errors.New("undecodable chunk payload")

// ServiceError is a failure reported by the agent runtime. It preserves the
// service's error code and message for the caller.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("agent runtime error (%s): %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// wrapServiceError converts API faults into *ServiceError and leaves every
// other error untouched.
func wrapServiceError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
			Err:     err,
		}
	}
	return err
}
