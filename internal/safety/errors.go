package safety

import (
	"errors"
	"fmt"
)

var errRuleTimeout = errors.New("rule evaluation timed out")

type panicError struct {
	rule  string
	value interface{}
}

func (p panicError) Error() string {
	return fmt.Sprintf("rule %s panicked: %v", p.rule, p.value)
}
