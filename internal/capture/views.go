package capture

import "fmt"

type ViewKind int

const (
	ViewViewport ViewKind = iota
	ViewFullPage
	ViewMobile
)

const (
	mobileViewportWidth  = 390
	mobileViewportHeight = 844
)

type View struct {
	Kind    ViewKind
	Label   string
	ScrollY int
}

// PlanViews picks between minViews and maxViews views of a page: the first
// screen, one view per further screen of content, the full page, then mobile
// views when the page is too short to reach minViews.
func PlanViews(pageHeight, viewportHeight, minViews, maxViews int) []View {
	if minViews < 1 {
		minViews = 1
	}
	if maxViews < minViews {
		maxViews = minViews
	}
	if viewportHeight <= 0 {
		viewportHeight = 1
	}

	views := []View{{Kind: ViewViewport, Label: "above the fold"}}
	for y := viewportHeight; y < pageHeight && len(views) < maxViews-1; y += viewportHeight {
		views = append(views, View{
			Kind:    ViewViewport,
			Label:   fmt.Sprintf("section %d", len(views)+1),
			ScrollY: y,
		})
	}
	if len(views) < maxViews {
		views = append(views, View{Kind: ViewFullPage, Label: "full page"})
	}

	for mobile := 0; len(views) < minViews; mobile++ {
		label := "mobile"
		if mobile > 0 {
			label = fmt.Sprintf("mobile section %d", mobile+1)
		}
		views = append(views, View{Kind: ViewMobile, Label: label, ScrollY: mobile * mobileViewportHeight})
	}
	return views
}
