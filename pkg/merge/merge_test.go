package merge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileLatestEqualsIncoming(t *testing.T) {
	out, err := Reconcile([]string{"x"}, []string{"a", "b"}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestReconcileIncomingEqualsReference(t *testing.T) {
	// no client changes: latest survives untouched
	out, err := Reconcile([]string{"a", "b"}, []string{"a", "b", "c"}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestReconcileCleanAdd(t *testing.T) {
	out, err := Reconcile([]string{"a", "b"}, []string{"a", "b"}, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestReconcileCleanRemove(t *testing.T) {
	out, err := Reconcile([]string{"a", "b", "c"}, []string{"a", "b", "c"}, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, out)
}

func TestReconcileConcurrentEdits(t *testing.T) {
	// someone else added d while the client removed b
	out, err := Reconcile(
		[]string{"a", "b", "c"},
		[]string{"a", "b", "c", "d"},
		[]string{"a", "c"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, out)
}

func TestReconcileConflictingRemoval(t *testing.T) {
	_, err := Reconcile([]string{"a", "b"}, []string{"a"}, []string{})
	require.Error(t, err)

	var conflict *ConflictError[string]
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"b"}, conflict.Conflicting)
}

func TestReconcileCollectsAllConflicts(t *testing.T) {
	_, err := Reconcile([]string{"a", "b", "c"}, []string{"a"}, []string{"a"})
	var conflict *ConflictError[string]
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"b", "c"}, conflict.Conflicting)
}

func TestReconcileAddedOrderPreserved(t *testing.T) {
	out, err := Reconcile([]string{"a"}, []string{"a"}, []string{"z", "a", "y", "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z", "y", "x"}, out)
}

func TestReconcileAllEmpty(t *testing.T) {
	out, err := Reconcile([]string{}, []string{}, []string{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReconcileDeterministic(t *testing.T) {
	reference := []string{"a", "b", "c", "d"}
	latest := []string{"b", "c", "d", "e"}
	incoming := []string{"a", "c", "d", "f"}

	first, err := Reconcile(reference, latest, incoming)
	require.NoError(t, err)
	second, err := Reconcile(reference, latest, incoming)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReconcileDoesNotMutateInputs(t *testing.T) {
	reference := []string{"a", "b"}
	latest := []string{"a", "b", "c"}
	incoming := []string{"a"}

	_, err := Reconcile(reference, latest, incoming)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reference)
	assert.Equal(t, []string{"a", "b", "c"}, latest)
	assert.Equal(t, []string{"a"}, incoming)
}

func TestReconcileFirstMatchRemoval(t *testing.T) {
	// duplicates in latest: one removal entry takes out one occurrence
	out, err := Reconcile([]string{"a", "b"}, []string{"a", "b", "a"}, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, out)
}

func TestReconcileDuplicateAddIsAppended(t *testing.T) {
	// the engine does not police duplicate additions; the boundary does
	out, err := Reconcile([]string{"a"}, []string{"b", "a"}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "b"}, out)
}

func TestReconcileFunc(t *testing.T) {
	eq := func(a, b string) bool { return strings.EqualFold(a, b) }

	out, err := ReconcileFunc([]string{"A", "B"}, []string{"a", "b", "c"}, []string{"B", "D"}, eq)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "D"}, out)

	_, err = ReconcileFunc([]string{"A", "B"}, []string{"b"}, []string{"B"}, eq)
	var conflict *ConflictError[string]
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"A"}, conflict.Conflicting)
}
