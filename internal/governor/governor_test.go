package governor

import (
	"testing"

	"github.com/jxucoder/autopatch/internal/model"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		attempts, max int
		allowed       bool
		next          int
	}{
		{0, 1, true, 1},
		{1, 1, false, 2},
		{2, 3, true, 3},
		{3, 3, false, 4},
		{5, 3, false, 6},
		{2, 0, true, 3},
		{3, 0, false, 4},
	}
	for _, tt := range tests {
		d := Check(tt.attempts, tt.max)
		if d.Allowed != tt.allowed || d.Attempt != tt.next {
			t.Errorf("Check(%d, %d) = %+v", tt.attempts, tt.max, d)
		}
		if !d.Allowed && d.Reason == "" {
			t.Errorf("Check(%d, %d) denied without a reason", tt.attempts, tt.max)
		}
	}
}

func TestCheckDeploymentUsesSubscriptionLimit(t *testing.T) {
	sub := &model.Subscription{MaxFixAttempts: 1}
	if CheckDeployment(&model.Deployment{Attempt: 1}, sub).Allowed {
		t.Fatal("second attempt allowed with maxFixAttempts = 1")
	}
	if !CheckDeployment(&model.Deployment{Attempt: 0}, sub).Allowed {
		t.Fatal("first attempt denied")
	}
}
