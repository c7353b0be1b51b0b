package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateConditionsAllPass(t *testing.T) {
	cap := 1000.0
	cs := &ConditionSet{
		TimeStart:    "09:00",
		TimeEnd:      "17:00",
		WeekdaysOnly: true,
		AllowedIPs:   []string{"10.0.0.5"},
		MaxAmount:    &cap,
	}
	// Wednesday 11:00.
	at := time.Date(2024, 3, 13, 11, 0, 0, 0, time.UTC)
	failed := EvaluateConditions(cs, EvalContext{Amount: 500, IP: "10.0.0.5", At: at}, at)
	assert.Empty(t, failed)
}

func TestEvaluateConditionsCollectsEveryFailure(t *testing.T) {
	cap := 100.0
	cs := &ConditionSet{
		TimeStart:    "09:00",
		TimeEnd:      "17:00",
		WeekdaysOnly: true,
		AllowedIPs:   []string{"10.0.0.5"},
		BlockedIPs:   []string{"192.168.1.9"},
		MaxAmount:    &cap,
	}
	// Saturday 22:00 from a blocked IP with an oversized amount.
	at := time.Date(2024, 3, 16, 22, 0, 0, 0, time.UTC)
	failed := EvaluateConditions(cs, EvalContext{Amount: 500, IP: "192.168.1.9", At: at}, at)
	assert.ElementsMatch(t, []string{CondTimeWindow, CondWeekday, CondIPAllowList, CondIPBlockList, CondMaxAmount}, failed)
}

func TestEvaluateConditionsOvernightWindow(t *testing.T) {
	cs := &ConditionSet{TimeStart: "22:00", TimeEnd: "06:00"}
	inside := time.Date(2024, 3, 13, 23, 30, 0, 0, time.UTC)
	outside := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

	assert.Empty(t, EvaluateConditions(cs, EvalContext{At: inside}, inside))
	assert.Equal(t, []string{CondTimeWindow}, EvaluateConditions(cs, EvalContext{At: outside}, outside))
}

func TestEvaluateConditionsNilSet(t *testing.T) {
	assert.Nil(t, EvaluateConditions(nil, EvalContext{}, time.Now()))
}
