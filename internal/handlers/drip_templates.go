package handlers

import (
	"fmt"
	"strings"
)

const emailSignature = "\n\n— The Shoreline Team"

// RenderDripEmail produces the subject and body for a decision. Bodies must
// stay short enough for a phone notification preview; tests hold every
// template to 250 characters.
func RenderDripEmail(owner *OwnerDripContext, decision *DripDecision) (string, string) {
	first := firstName(owner.Name)
	switch decision.EmailKey {
	case EmailReviewSetupPR:
		if owner.OpenSetupPRs > 0 {
			return "Your Shoreline setup PRs are waiting",
				fmt.Sprintf("Hi %s, you have %d open setup PR%s from Shoreline. Merging them finishes your install and lets us start generating tests.", first, owner.OpenSetupPRs, plural(owner.OpenSetupPRs)) + emailSignature
		}
		return "Finish setting up Shoreline",
			fmt.Sprintf("Hi %s, your Shoreline install isn't finished yet. Open the dashboard and pick a repository to get your first generated tests.", first) + emailSignature
	case EmailCoverageCharts:
		return "Your coverage charts are live",
			fmt.Sprintf("Hi %s, your highest repo is at %.0f%% line coverage. Your dashboard now charts coverage over time for every connected repo.", first, bestCoverage(owner.Coverage)) + emailSignature
	case EmailSetTargetBranch:
		return "Set a target branch for " + decision.Repo,
			fmt.Sprintf("Hi %s, %s has the lowest coverage of your repos. Set a target branch and schedule so Shoreline can raise it automatically.", first, decision.Repo) + emailSignature
	case EmailMergeTestPR:
		return "Generated tests ready to merge",
			fmt.Sprintf("Hi %s, %d Shoreline test PR%s passed checks and %s ready to merge. Merging locks in the coverage gain.", first, owner.OpenMergeableTestPRs, plural(owner.OpenMergeableTestPRs), isAre(owner.OpenMergeableTestPRs)) + emailSignature
	case EmailPurchaseCredits:
		if owner.HasPurchasedCredits {
			return "Your Shoreline credits are running low",
				fmt.Sprintf("Hi %s, your credit balance is $%d. Top up to keep test generation running without interruption.", first, owner.CreditBalanceUSD) + emailSignature
		}
		return "Keep Shoreline generating tests",
			fmt.Sprintf("Hi %s, your trial credits are nearly used up. Purchase credits or pick a plan to keep generated tests flowing.", first) + emailSignature
	case EmailDormantReintro:
		return "Shoreline is still watching your repos",
			fmt.Sprintf("Hi %s, it's been a while. Shoreline is still connected and ready to generate tests whenever your repos pick back up.", first) + emailSignature
	case EmailCoverage50:
		return "You crossed 50% coverage",
			fmt.Sprintf("Hi %s, one of your repos just passed 50%% line coverage. Nice milestone. The next stop is 80%%.", first) + emailSignature
	case EmailCoverage80:
		return "80% coverage, well done",
			fmt.Sprintf("Hi %s, one of your repos just passed 80%% line coverage. That puts you ahead of most teams we see.", first) + emailSignature
	case EmailCoverage90:
		return "90% coverage!",
			fmt.Sprintf("Hi %s, one of your repos just passed 90%% line coverage. That's elite territory. Congratulations.", first) + emailSignature
	}
	return "", ""
}

func firstName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	if name == "" {
		return "there"
	}
	return name
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func isAre(n int) string {
	if n == 1 {
		return "is"
	}
	return "are"
}
