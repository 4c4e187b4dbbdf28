package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrapf(ErrNotFound, "run %s", "PX123")

	assert.True(t, IsNotFound(err))
	assert.False(t, IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "run PX123")
	assert.Contains(t, err.Error(), "not found")
}

func TestMarkKeepsMessage(t *testing.T) {
	base := New("platform said 401")
	marked := Mark(base, ErrSessionUnavailable)

	assert.Equal(t, "platform said 401", marked.Error())
	assert.True(t, Is(marked, ErrSessionUnavailable))
	assert.True(t, Is(marked, base))
}

func TestConstructors(t *testing.T) {
	nf := NewNotFoundError("schedule %s", "abc")
	assert.True(t, Is(nf, ErrNotFound))
	assert.Contains(t, nf.Error(), "schedule abc")

	bad := NewInvalidRequestError("cron %q", "* *")
	assert.True(t, IsInvalidRequest(bad))
}

func TestWithDetailSurvivesWrap(t *testing.T) {
	err := New("claim failed")
	err = WithDetail(err, "Job ID: JB1")
	err = Wrap(err, "worker")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: JB1", details[0])
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFound(nil))
}

func ExampleWrap() {
	err := Wrap(New("connection refused"), "failed to open database")
	fmt.Println(err)
	// Output: failed to open database: connection refused
}
