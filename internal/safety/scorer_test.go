package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubAdvisor struct {
	reply AdvisorReply
	err   error
	calls int
}

func (a *stubAdvisor) Query(ctx context.Context, prompt, systemPrompt string) (AdvisorReply, error) {
	a.calls++
	return a.reply, a.err
}

func TestDestructiveCommandBlocksWithEStop(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	rep := s.Score(context.Background(), `{"code": "rm -rf /"}`)

	require.False(t, rep.Safe)
	require.Zero(t, rep.Score)
	require.Equal(t, RecommendBlock, rep.Recommendation)
	require.Equal(t, EscalationEStop, rep.Escalation)
	require.Contains(t, rep.PrincipleIDs(), "P001")
}

func TestDestructiveVariants(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	for _, content := range []string{
		"rm -fr build/",
		"git push origin main --force",
		"DROP TABLE users;",
		"drop database prod",
		"TRUNCATE sessions",
		"git reset --hard HEAD~3",
		":> /var/log/app.log",
	} {
		rep := s.Score(context.Background(), content)
		require.Equal(t, EscalationEStop, rep.Escalation, "content %q", content)
		require.Contains(t, rep.PrincipleIDs(), "P001", "content %q", content)
	}
}

func TestSecretExposureBlocks(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	rep := s.Score(context.Background(), `const key = process.env.API_KEY`)
	require.False(t, rep.Safe)
	require.Contains(t, rep.PrincipleIDs(), "P002")
	require.Equal(t, EscalationEStop, rep.Escalation)
}

func TestBackendAllowanceSoftensSecretMentions(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	content := `db.connect(process.env.DB_PASSWORD); loadKey(api_key)`

	be := s.Score(context.Background(), content, ForWorker("be"))
	require.True(t, be.Safe, "backend content may mention env and credential identifiers")

	fe := s.Score(context.Background(), content, ForWorker("fe"))
	require.False(t, fe.Safe)
	require.Contains(t, fe.PrincipleIDs(), "P002")
}

func TestBackendAllowanceDoesNotCoverDestructive(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	rep := s.Score(context.Background(), "rm -rf /tmp/scratch", ForWorker("be"))
	require.Equal(t, EscalationEStop, rep.Escalation)
}

func TestScopeViolationScoresBelowBlockLine(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	rep := s.Score(context.Background(), `open("../../outside/of/repo")`)

	require.False(t, rep.Safe)
	require.InDelta(t, 0.1, rep.Score, 1e-9)
	require.Equal(t, RecommendBlock, rep.Recommendation)
	require.Equal(t, EscalationCritical, rep.Escalation)
	require.Contains(t, rep.PrincipleIDs(), "P003")
}

func TestInputValidationViolation(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	rep := s.Score(context.Background(), `result = eval(user_input)`)

	require.False(t, rep.Safe)
	require.InDelta(t, 0.3, rep.Score, 1e-9)
	require.Contains(t, rep.PrincipleIDs(), "P004")
	require.Equal(t, EscalationWarning, rep.Escalation)
}

func TestCleanContentProceeds(t *testing.T) {
	s := NewScorer(ScorerOptions{})
	rep := s.Score(context.Background(), `func Add(a, b int) int { return a + b }`)

	require.True(t, rep.Safe)
	require.Equal(t, 1.0, rep.Score)
	require.Empty(t, rep.Violations)
	require.Equal(t, RecommendProceed, rep.Recommendation)
	require.Equal(t, EscalationNone, rep.Escalation)
}

func TestAdvisorConsultedOnlyWhenPatternsClean(t *testing.T) {
	adv := &stubAdvisor{reply: AdvisorReply{
		Content: `{"safe": false, "score": 0.5, "violations": ["P004"], "recommendation": "WARN"}`,
		Success: true,
	}}
	s := NewScorer(ScorerOptions{Advisor: adv})

	rep := s.Score(context.Background(), "plain text content")
	require.Equal(t, 1, adv.calls)
	require.True(t, rep.Advisory)
	require.False(t, rep.Safe)
	require.Equal(t, 0.5, rep.Score)
	require.Equal(t, RecommendWarn, rep.Recommendation)
	require.Equal(t, EscalationWarning, rep.Escalation)
	require.Equal(t, []string{"P004"}, rep.PrincipleIDs())
}

func TestAdvisorCannotSoftenSeverityOneViolation(t *testing.T) {
	adv := &stubAdvisor{reply: AdvisorReply{
		Content: `{"safe": true, "score": 1.0, "violations": [], "recommendation": "PROCEED"}`,
		Success: true,
	}}
	s := NewScorer(ScorerOptions{Advisor: adv})

	rep := s.Score(context.Background(), "rm -rf /")
	require.Zero(t, adv.calls, "pattern violations skip the advisory hook entirely")
	require.False(t, rep.Safe)
	require.Equal(t, EscalationEStop, rep.Escalation)
}

func TestAdvisorFailureFallsBackToPatternVerdict(t *testing.T) {
	adv := &stubAdvisor{err: errors.New("model unavailable")}
	s := NewScorer(ScorerOptions{Advisor: adv})

	rep := s.Score(context.Background(), "harmless content")
	require.True(t, rep.Safe)
	require.False(t, rep.Advisory)
}

func TestAdvisorFencedReplyIsParsed(t *testing.T) {
	adv := &stubAdvisor{reply: AdvisorReply{
		Content: "Here is my verdict:\n```json\n{\"safe\": true, \"score\": 0.95, \"violations\": [], \"recommendation\": \"PROCEED\"}\n```",
		Success: true,
	}}
	s := NewScorer(ScorerOptions{Advisor: adv})

	rep := s.Score(context.Background(), "harmless content")
	require.True(t, rep.Advisory)
	require.True(t, rep.Safe)
	require.Equal(t, 0.95, rep.Score)
}

func TestEscalationOrdering(t *testing.T) {
	require.Less(t, EscalationNone.Rank(), EscalationWarning.Rank())
	require.Less(t, EscalationWarning.Rank(), EscalationCritical.Rank())
	require.Less(t, EscalationCritical.Rank(), EscalationEStop.Rank())
	require.Equal(t, EscalationEStop, Max(EscalationWarning, EscalationEStop))
	require.Equal(t, EscalationCritical, Max(EscalationCritical, EscalationNone))
}
