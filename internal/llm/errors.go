package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks provider errors that retrying will not fix: exhausted
// quota, billing problems or bad credentials.
var ErrFatalAPI = errors.New("fatal LLM API error")

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// wrapFatalError tags fatal errors with ErrFatalAPI and returns others
// unchanged.
func wrapFatalError(err error) error {
	if !isFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}
