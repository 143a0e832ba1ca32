package export

// FeedingPlanPDF renders the plan to HTML and prints it with headless
// Chrome. The caller assembles the Plan from a board snapshot.
func FeedingPlanPDF(plan Plan) (*Result, error) {
	html, err := RenderHTML(plan)
	if err != nil {
		return nil, err
	}
	return exportPDF(html, plan.BoardName)
}
