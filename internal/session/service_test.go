package session

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/store"
)

func newTestService(t *testing.T) (*Service, *catalog.Catalog) {
	t.Helper()
	log := hclog.NewNullLogger()
	cat := catalog.New(log)
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)
	return New(log, cat, st, bus), cat
}

func TestCreateSessionInitializesTeamScores(t *testing.T) {
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: []string{"001", "002"}})
	require.Nil(t, err)
	assert.Equal(t, StatusActive, sess.Status)

	scores := svc.GetTeamScores()
	require.Len(t, scores, 2)
	for _, s := range scores {
		assert.Equal(t, 0, s.CurrentScore)
	}
}

func TestCreateSessionRejectsEmptyTeams(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: nil})
	require.NotNil(t, err)
	assert.Equal(t, "VALIDATION_ERROR", string(err.Code))
}

func TestCreateSessionImplicitlyEndsPriorSession(t *testing.T) {
	svc, _ := newTestService(t)
	first, err := svc.CreateSession(CreateParams{Name: "First", Teams: []string{"001"}})
	require.Nil(t, err)

	_, err = svc.CreateSession(CreateParams{Name: "Second", Teams: []string{"002"}})
	require.Nil(t, err)

	current, ok := svc.GetCurrentSession()
	require.True(t, ok)
	assert.NotEqual(t, first.ID, current.ID)
}

func TestUpdateSessionEnforcesLegalTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: []string{"001"}})
	require.Nil(t, err)

	ended := StatusEnded
	_, err = svc.UpdateSession(UpdateParams{Status: &ended})
	require.Nil(t, err)

	active := StatusActive
	_, err = svc.UpdateSession(UpdateParams{Status: &active})
	require.NotNil(t, err, "ended is terminal; no transition out of it is legal")
}

func TestAdjustScoreAppendsDeltaAndRecomputes(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: []string{"001"}})
	require.Nil(t, err)

	ts, err := svc.AdjustScore("001", 500, "correction", "gm-1")
	require.Nil(t, err)
	assert.Equal(t, 500, ts.CurrentScore)

	ts, err = svc.AdjustScore("001", -200, "penalty", "gm-1")
	require.Nil(t, err)
	assert.Equal(t, 300, ts.CurrentScore)
	assert.Len(t, ts.AdminAdjustments, 2)
}

func TestApplyTransactionDetectiveModeNeverTouchesScore(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: []string{"001"}})
	require.Nil(t, err)

	applyErr := svc.ApplyTransaction(AcceptedTransaction{
		TeamID: "001", TokenID: "tok1", Points: 9999, Mode: "detective",
	})
	require.Nil(t, applyErr)

	scores := svc.GetTeamScores()
	require.Len(t, scores, 1)
	assert.Equal(t, 0, scores[0].CurrentScore)
	assert.Equal(t, 0, scores[0].TokensScanned)

	sess, ok := svc.GetCurrentSession()
	require.True(t, ok)
	assert.Equal(t, 1, sess.Metadata.TotalScans)
	assert.Equal(t, 1, sess.Metadata.UniqueTokensScanned)
}

func TestApplyTransactionUniqueTokensScannedTracksDistinctTokensOnly(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: []string{"001"}})
	require.Nil(t, err)

	require.Nil(t, svc.ApplyTransaction(AcceptedTransaction{TeamID: "001", TokenID: "tok1", Mode: "blackmarket"}))
	require.Nil(t, svc.ApplyTransaction(AcceptedTransaction{TeamID: "001", TokenID: "tok1", Mode: "detective"}))
	require.Nil(t, svc.ApplyTransaction(AcceptedTransaction{TeamID: "001", TokenID: "tok2", Mode: "blackmarket"}))

	sess, ok := svc.GetCurrentSession()
	require.True(t, ok)
	assert.Equal(t, 3, sess.Metadata.TotalScans)
	assert.Equal(t, 2, sess.Metadata.UniqueTokensScanned)

	scores := svc.GetTeamScores()
	require.Len(t, scores, 1)
	assert.Equal(t, 2, scores[0].TokensScanned)
}

func TestGroupCompletionAwardsBonusOnce(t *testing.T) {
	svc, cat := newTestService(t)
	require.NoError(t, cat.Reload([]byte(`
groups:
  founders: 1000
tokens:
  - id: "a"
    memoryType: Personal
    valueRating: 1
    group: founders
  - id: "b"
    memoryType: Personal
    valueRating: 1
    group: founders
`)))
	_, err := svc.CreateSession(CreateParams{Name: "Night One", Teams: []string{"001"}})
	require.Nil(t, err)

	svc.RecordAcceptedToken("001", "a")
	require.Nil(t, svc.ApplyTransaction(AcceptedTransaction{TeamID: "001", TokenID: "a", Mode: "blackmarket"}))

	scores := svc.GetTeamScores()
	assert.Equal(t, 0, scores[0].BonusPoints, "bonus should not fire until every group member is claimed")

	svc.RecordAcceptedToken("001", "b")
	require.Nil(t, svc.ApplyTransaction(AcceptedTransaction{TeamID: "001", TokenID: "b", Mode: "blackmarket"}))

	scores = svc.GetTeamScores()
	assert.Equal(t, 1000, scores[0].BonusPoints)

	// A further transaction must not award the bonus a second time.
	svc.RecordAcceptedToken("001", "b")
	require.Nil(t, svc.ApplyTransaction(AcceptedTransaction{TeamID: "001", TokenID: "b", Mode: "blackmarket"}))
	scores = svc.GetTeamScores()
	assert.Equal(t, 1000, scores[0].BonusPoints)
}
