package handlers

import (
	"time"
)

// Email keys for the drip sequence. Each key is sent at most once per owner,
// ever; bursar.sent_emails is the record of truth.
const (
	EmailReviewSetupPR   = "review_setup_pr"
	EmailCoverageCharts  = "coverage_charts"
	EmailSetTargetBranch = "set_target_branch"
	EmailMergeTestPR     = "merge_test_pr"
	EmailPurchaseCredits = "purchase_credits"
	EmailDormantReintro  = "dormant_reintro"
	EmailCoverage50      = "owner_coverage_50"
	EmailCoverage80      = "owner_coverage_80"
	EmailCoverage90      = "owner_coverage_90"
)

const dormancyThreshold = 30 * 24 * time.Hour

// RepoCoverage is one repository's latest line coverage.
type RepoCoverage struct {
	Repo            string
	CoveragePercent float64
}

// OwnerDripContext is everything the decision engine needs to know about one
// owner. Loaders fill it from the database; the engine itself never touches
// storage, which is what keeps it testable.
type OwnerDripContext struct {
	OwnerID     int64
	Name        string
	Email       string
	InstalledAt time.Time

	// LastPRActivityAt is the most recent pull request event we have seen
	// for the owner, zero when there has never been one.
	LastPRActivityAt time.Time

	Coverage []RepoCoverage

	// Setup PRs are the configuration pull requests the product opened
	// during install.
	OpenSetupPRs  int
	TotalSetupPRs int

	OpenMergeableTestPRs int

	HasActivePaidPlan   bool
	HasPurchasedCredits bool
	CreditBalanceUSD    int64

	SentKeys map[string]bool
}

// DripDecision is the single email the engine chose for an owner, nil when
// nothing should go out this run.
type DripDecision struct {
	EmailKey string
	// Repo is set for emails that talk about one specific repository.
	Repo string
}

type slotAction int

const (
	actionSend slotAction = iota
	// actionSkipForward drops the slot and lets the next slot fire on this
	// slot's day instead of waiting for its own.
	actionSkipForward
	// actionPause stops the onboarding walk entirely for this run.
	actionPause
)

type slotResult struct {
	action   slotAction
	decision *DripDecision
}

type dripSlot struct {
	key    string
	minDay int
	eval   func(owner *OwnerDripContext) slotResult
}

func send(key, repo string) slotResult {
	return slotResult{action: actionSend, decision: &DripDecision{EmailKey: key, Repo: repo}}
}

// onboardingSlots is the ordered sequence of setup emails. Order matters:
// the walk stops at the first slot that is not already sent.
var onboardingSlots = []dripSlot{
	{
		key:    EmailReviewSetupPR,
		minDay: 1,
		eval: func(owner *OwnerDripContext) slotResult {
			// Open setup PRs get a merge nudge; never-created gets setup
			// instructions; all-merged means the work is done, fall
			// through to the next slot at this day.
			if owner.OpenSetupPRs == 0 && owner.TotalSetupPRs > 0 {
				return slotResult{action: actionSkipForward}
			}
			return send(EmailReviewSetupPR, "")
		},
	},
	{
		key:    EmailCoverageCharts,
		minDay: 2,
		eval: func(owner *OwnerDripContext) slotResult {
			if len(owner.Coverage) == 0 {
				// No coverage yet means setup is not done; nothing after
				// this point makes sense either, so wait.
				return slotResult{action: actionPause}
			}
			return send(EmailCoverageCharts, "")
		},
	},
	{
		key:    EmailSetTargetBranch,
		minDay: 3,
		eval: func(owner *OwnerDripContext) slotResult {
			return send(EmailSetTargetBranch, lowestCoverageRepo(owner.Coverage))
		},
	},
	{
		key:    EmailMergeTestPR,
		minDay: 7,
		eval: func(owner *OwnerDripContext) slotResult {
			if owner.OpenMergeableTestPRs == 0 {
				return slotResult{action: actionSkipForward}
			}
			return send(EmailMergeTestPR, "")
		},
	},
	{
		key:    EmailPurchaseCredits,
		minDay: 10,
		eval: func(owner *OwnerDripContext) slotResult {
			if owner.HasActivePaidPlan {
				return slotResult{action: actionSkipForward}
			}
			return send(EmailPurchaseCredits, "")
		},
	},
}

// milestoneSlots are coverage celebration emails, highest band first so an
// owner who jumps straight past 80 gets the 90 email, not three in a row.
var milestoneSlots = []struct {
	key     string
	percent float64
}{
	{EmailCoverage90, 90},
	{EmailCoverage80, 80},
	{EmailCoverage50, 50},
}

// EvaluateOwner picks at most one email for the owner at time now. Dormant
// owners get a single re-introduction and then leave the onboarding sequence
// for good; milestone emails keep working for everyone.
func EvaluateOwner(owner *OwnerDripContext, now time.Time) *DripDecision {
	if owner.Email == "" {
		return nil
	}

	if d := evaluateDormancy(owner, now); d != nil {
		return d
	}
	if !dormantReintroSent(owner) {
		if d := evaluateOnboarding(owner, now); d != nil {
			return d
		}
	}
	return evaluateMilestones(owner)
}

func dormantReintroSent(owner *OwnerDripContext) bool {
	return owner.SentKeys[EmailDormantReintro]
}

func isDormant(owner *OwnerDripContext, now time.Time) bool {
	if now.Sub(owner.InstalledAt) < dormancyThreshold {
		return false
	}
	if owner.LastPRActivityAt.IsZero() {
		return true
	}
	return now.Sub(owner.LastPRActivityAt) >= dormancyThreshold
}

func evaluateDormancy(owner *OwnerDripContext, now time.Time) *DripDecision {
	if !isDormant(owner, now) {
		return nil
	}
	if dormantReintroSent(owner) {
		return nil
	}
	return &DripDecision{EmailKey: EmailDormantReintro}
}

// evaluateOnboarding walks the slot sequence. A skipped slot collapses its
// day gate onto the next slot: the carry is the skipped slot's effective day,
// and the next slot fires at the earlier of its own day and the carry.
func evaluateOnboarding(owner *OwnerDripContext, now time.Time) *DripDecision {
	daysSinceInstall := int(now.Sub(owner.InstalledAt).Hours() / 24)

	carry := 0
	for _, slot := range onboardingSlots {
		if owner.SentKeys[slot.key] {
			carry = 0
			continue
		}

		requiredDay := slot.minDay
		if carry > 0 && carry < requiredDay {
			requiredDay = carry
		}
		if daysSinceInstall < requiredDay {
			return nil
		}

		res := slot.eval(owner)
		switch res.action {
		case actionSend:
			return res.decision
		case actionSkipForward:
			carry = requiredDay
			continue
		case actionPause:
			return nil
		}
	}
	return nil
}

func evaluateMilestones(owner *OwnerDripContext) *DripDecision {
	best := bestCoverage(owner.Coverage)
	for _, m := range milestoneSlots {
		if best < m.percent {
			continue
		}
		if owner.SentKeys[m.key] {
			// A higher band already sent also retires the lower ones.
			return nil
		}
		return &DripDecision{EmailKey: m.key}
	}
	return nil
}

func bestCoverage(coverage []RepoCoverage) float64 {
	best := 0.0
	for _, c := range coverage {
		if c.CoveragePercent > best {
			best = c.CoveragePercent
		}
	}
	return best
}

func lowestCoverageRepo(coverage []RepoCoverage) string {
	if len(coverage) == 0 {
		return ""
	}
	lowest := coverage[0]
	for _, c := range coverage[1:] {
		if c.CoveragePercent < lowest.CoveragePercent {
			lowest = c
		}
	}
	return lowest.Repo
}
