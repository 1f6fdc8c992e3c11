package lights

import (
	"fmt"
	"strings"
)

// LightCommandError reports a light service call that Home Assistant rejected
type LightCommandError struct {
	Service   string
	EntityIDs []string
	Err       error
}

func (e *LightCommandError) Error() string {
	return fmt.Sprintf("light.%s failed for %s: %v", e.Service, strings.Join(e.EntityIDs, ", "), e.Err)
}

func (e *LightCommandError) Unwrap() error {
	return e.Err
}
