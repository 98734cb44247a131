package link

import (
	"fmt"

	"github.com/user/blepair/radio"
)

// RediscoverPolicy decides whether a security change on a connected link
// restarts discovery from the service search
type RediscoverPolicy int

const (
	// RediscoverNever only discovers on connect
	RediscoverNever RediscoverPolicy = iota
	// RediscoverMaxLevel rediscovers when the link reaches the highest level
	RediscoverMaxLevel
	// RediscoverAnyLevel rediscovers on every successful security change
	RediscoverAnyLevel
)

// ParseRediscoverPolicy parses never, max_level or any_level
func ParseRediscoverPolicy(s string) (RediscoverPolicy, error) {
	switch s {
	case "never":
		return RediscoverNever, nil
	case "max_level", "":
		return RediscoverMaxLevel, nil
	case "any_level":
		return RediscoverAnyLevel, nil
	default:
		return RediscoverNever, fmt.Errorf("link: unknown rediscover policy %q", s)
	}
}

func (p RediscoverPolicy) String() string {
	switch p {
	case RediscoverNever:
		return "never"
	case RediscoverMaxLevel:
		return "max_level"
	case RediscoverAnyLevel:
		return "any_level"
	default:
		return fmt.Sprintf("RediscoverPolicy(%d)", int(p))
	}
}

// ShouldRediscover applies the policy to a security-changed event
func (p RediscoverPolicy) ShouldRediscover(level radio.SecurityLevel, err uint8) bool {
	if err != 0 {
		return false
	}
	switch p {
	case RediscoverMaxLevel:
		return level >= radio.SecurityMax
	case RediscoverAnyLevel:
		return true
	default:
		return false
	}
}
