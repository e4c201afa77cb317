// Package events carries browser notifications to the flows waiting on them.
package events

// TabUpdated is published for every committed main-frame navigation of a tab
// the daemon opened.
type TabUpdated struct {
	TabID string
	URL   string
}

// TokenHarvested is published when the credential relay (or a page script
// posting TOKEN_HARVESTED_SUCCESS) reports that OT_TOKEN has been stored.
type TokenHarvested struct {
	TabID string
	URL   string
}

// Hub groups the buses shared by the browser driver, the router and the flows.
type Hub struct {
	Tabs   *Bus[TabUpdated]
	Tokens *Bus[TokenHarvested]
}

func NewHub() *Hub {
	return &Hub{
		Tabs:   NewBus[TabUpdated](),
		Tokens: NewBus[TokenHarvested](),
	}
}
