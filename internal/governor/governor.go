// Package governor bounds how many fix attempts a deployment may spend.
package governor

import (
	"fmt"

	"github.com/jxucoder/autopatch/internal/model"
)

// Decision is the governor's answer for one deployment.
type Decision struct {
	Allowed bool
	// Attempt is the number the next attempt would carry.
	Attempt int
	Max     int
	Reason  string
}

// Check decides whether another attempt fits under max, given the attempts
// already spent. A non-positive max falls back to the default.
func Check(attempts, max int) Decision {
	if max <= 0 {
		max = model.DefaultMaxFixAttempts
	}
	d := Decision{Attempt: attempts + 1, Max: max}
	if attempts >= max {
		d.Reason = fmt.Sprintf("fix attempts exhausted (%d of %d used)", attempts, max)
		return d
	}
	d.Allowed = true
	return d
}

// CheckDeployment applies Check to a deployment under its subscription's policy.
func CheckDeployment(d *model.Deployment, sub *model.Subscription) Decision {
	return Check(d.Attempt, sub.AttemptLimit())
}
