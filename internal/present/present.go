// Package present rewrites a served variation's presentation metadata so
// visitors never see that an experiment is running.
package present

import "github.com/abtree/abtree/internal/model"

// Page builds the document handed to the renderer. When the served page is
// an alternative, its title and breadcrumb are overlaid with the control's
// so the page keeps the control's visual identity and tree position; body,
// path, and identity stay those of the served page. The control itself
// passes through untouched.
func Page(control, served model.Page, experimentSlug string) model.PresentedPage {
	p := model.PresentedPage{
		ID:             served.ID,
		Path:           served.Path,
		Title:          served.Title,
		Breadcrumb:     served.Breadcrumb,
		Body:           served.Body,
		ExperimentSlug: experimentSlug,
	}
	if served.ID != control.ID {
		p.Title = control.Title
		p.Breadcrumb = control.Breadcrumb
	}
	return p
}

// Passthrough wraps a page that is not under any experiment.
func Passthrough(page model.Page) model.PresentedPage {
	return model.PresentedPage{
		ID:         page.ID,
		Path:       page.Path,
		Title:      page.Title,
		Breadcrumb: page.Breadcrumb,
		Body:       page.Body,
	}
}
