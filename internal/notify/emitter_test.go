package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/pkg/logger"
	"github.com/R3E-Network/transferdesk/pkg/testutil"
)

func newTestEmitter(clk *testutil.FakeClock) *Emitter {
	return NewEmitter(EmitterOptions{UserID: "u1", Clock: clk, Logger: logger.NewDiscard()})
}

func TestEmitter_EmitStampsToast(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(1000, 0))
	e := newTestEmitter(clk)

	a := e.Emit("Saved", "Your request was sent.", domain.SeveritySuccess)
	b := e.Emit("Saved", "again", domain.SeverityInfo)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "u1", a.UserID)
	assert.False(t, a.Read)
	assert.True(t, a.CreatedAt.Equal(time.Unix(1000, 0)))
	assert.Len(t, e.Visible(), 2)
}

func TestEmitter_ExpiresBetweenTTLAndTTLPlusExit(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(0, 0))
	e := newTestEmitter(clk)
	e.Emit("hello", "", domain.SeverityInfo)

	clk.Advance(4999 * time.Millisecond)
	require.Len(t, e.Visible(), 1)
	assert.False(t, e.Visible()[0].Exiting)

	clk.Advance(time.Millisecond)
	require.Len(t, e.Visible(), 1)
	assert.True(t, e.Visible()[0].Exiting)

	clk.Advance(499 * time.Millisecond)
	assert.Len(t, e.Visible(), 1)

	clk.Advance(time.Millisecond)
	assert.Empty(t, e.Visible())
	assert.Equal(t, 0, clk.Pending())
}

func TestEmitter_DismissIsGuarded(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(0, 0))
	e := newTestEmitter(clk)
	toast := e.Emit("hello", "", domain.SeverityWarning)

	clk.Advance(time.Second)
	assert.True(t, e.Dismiss(toast.ID))
	assert.False(t, e.Dismiss(toast.ID))
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, e.Visible())
	assert.False(t, e.Dismiss(toast.ID))
}

func TestEmitter_DismissDuringAutoExit(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(0, 0))
	e := newTestEmitter(clk)
	toast := e.Emit("hello", "", domain.SeverityError)

	clk.Advance(5200 * time.Millisecond)
	assert.False(t, e.Dismiss(toast.ID))

	clk.Advance(300 * time.Millisecond)
	assert.Empty(t, e.Visible())
}

func TestEmitter_ListenersSeeEveryChange(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(0, 0))
	e := newTestEmitter(clk)
	var sizes []int
	e.OnChange(func(ts []Toast) { sizes = append(sizes, len(ts)) })

	e.Emit("a", "", domain.SeverityInfo)
	e.Emit("b", "", domain.SeverityInfo)
	clk.Advance(5500 * time.Millisecond)

	// two emits, two exits, two removals
	assert.Equal(t, []int{1, 2, 2, 2, 1, 0}, sizes)
}
