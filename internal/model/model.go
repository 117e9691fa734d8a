// Package model defines the persisted record types shared across subsystems.
package model

import "time"

// WorkStatus represents the lifecycle state of a queued work item.
type WorkStatus string

// Work item status values persisted in the work queue collection.
const (
	WorkPending WorkStatus = "pending"
	WorkClaimed WorkStatus = "claimed"
	WorkDone    WorkStatus = "done"
	WorkFailed  WorkStatus = "failed"
)

// WorkItem is a unit of crawl work shared through the document store.
// URL is the unique key; at most one worker may hold an unexpired claim on it.
type WorkItem struct {
	URL       string     `bson:"url" json:"url"`
	Domain    string     `bson:"domain" json:"domain"`
	Depth     int        `bson:"depth" json:"depth"`
	ParentURL string     `bson:"parent_url,omitempty" json:"parent_url,omitempty"`
	Priority  int        `bson:"priority" json:"priority"`
	Status    WorkStatus `bson:"status" json:"status"`
	Owner     string     `bson:"owner,omitempty" json:"owner,omitempty"`
	Attempts  int        `bson:"attempts" json:"attempts"`
	ClaimedAt *time.Time `bson:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
}

// Lease is a time-bounded exclusive claim on a resource key. Existence of the
// document implies ownership until ExpiresAt; expiry is advisory and must be
// checked by readers because the store performs no automatic expiry.
type Lease struct {
	Key        string    `bson:"key" json:"key"`
	Owner      string    `bson:"owner" json:"owner"`
	AcquiredAt time.Time `bson:"acquired_at" json:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at" json:"expires_at"`
}

// CrawlStatus is the terminal disposition of a visited page.
type CrawlStatus string

// Page crawl status values.
const (
	PagePending CrawlStatus = "pending"
	PageCrawled CrawlStatus = "crawled"
	PageFailed  CrawlStatus = "failed"
)

// PageRecord is persisted per visited page and feeds the site graph builder.
type PageRecord struct {
	URL         string      `bson:"url" json:"url"`
	Domain      string      `bson:"domain" json:"domain"`
	Depth       int         `bson:"depth" json:"depth"`
	ParentURL   string      `bson:"parent_url,omitempty" json:"parent_url,omitempty"`
	Title       string      `bson:"title,omitempty" json:"title,omitempty"`
	ContentType string      `bson:"content_type,omitempty" json:"content_type,omitempty"`
	ContentHash string      `bson:"content_hash,omitempty" json:"content_hash,omitempty"`
	Status      CrawlStatus `bson:"status" json:"status"`
	UsedJS      bool        `bson:"used_js" json:"used_js"`
	FetchedAt   *time.Time  `bson:"fetched_at,omitempty" json:"fetched_at,omitempty"`
	Assets      []Asset     `bson:"assets,omitempty" json:"assets,omitempty"`
}

// Asset is a non-page resource referenced by a crawled page.
type Asset struct {
	URL  string `bson:"url" json:"url"`
	Type string `bson:"type" json:"type"`
}

// Asset types recorded on page records.
const (
	AssetImage      = "image"
	AssetStylesheet = "stylesheet"
	AssetScript     = "script"
	AssetDocument   = "document"
)

// Affiliation links a person to an organization, or an organization to a
// member. URL is the correlation key for merging; Name is the fallback key.
type Affiliation struct {
	Name    string `bson:"name,omitempty" json:"name,omitempty"`
	URL     string `bson:"url,omitempty" json:"url,omitempty"`
	Fee     string `bson:"fee,omitempty" json:"fee,omitempty"`
	Timings string `bson:"timings,omitempty" json:"timings,omitempty"`
}

// Qualification is a single credential on a person record.
type Qualification struct {
	Institute string `bson:"institute,omitempty" json:"institute,omitempty"`
	Degree    string `bson:"degree,omitempty" json:"degree,omitempty"`
	Year      string `bson:"year,omitempty" json:"year,omitempty"`
}

// Organization is a harvested organization record keyed by its canonical URL.
type Organization struct {
	URL        string        `bson:"url" json:"url"`
	Name       string        `bson:"name,omitempty" json:"name,omitempty"`
	City       string        `bson:"city,omitempty" json:"city,omitempty"`
	Area       string        `bson:"area,omitempty" json:"area,omitempty"`
	Address    string        `bson:"address,omitempty" json:"address,omitempty"`
	Phone      string        `bson:"phone,omitempty" json:"phone,omitempty"`
	Services   []string      `bson:"services,omitempty" json:"services,omitempty"`
	Members    []Affiliation `bson:"members,omitempty" json:"members,omitempty"`
	Platform   string        `bson:"platform,omitempty" json:"platform,omitempty"`
	Stage      Stage         `bson:"stage" json:"stage"`
	RetryCount int           `bson:"retry_count" json:"retry_count"`
	LastError  string        `bson:"last_error,omitempty" json:"last_error,omitempty"`
	ScrapedAt  *time.Time    `bson:"scraped_at,omitempty" json:"scraped_at,omitempty"`
}

// Person is a harvested person record keyed by its profile URL.
type Person struct {
	ProfileURL      string          `bson:"profile_url" json:"profile_url"`
	Name            string          `bson:"name,omitempty" json:"name,omitempty"`
	City            string          `bson:"city,omitempty" json:"city,omitempty"`
	Specialties     []string        `bson:"specialties,omitempty" json:"specialties,omitempty"`
	Qualifications  []Qualification `bson:"qualifications,omitempty" json:"qualifications,omitempty"`
	ExperienceYears int             `bson:"experience_years,omitempty" json:"experience_years,omitempty"`
	Services        []string        `bson:"services,omitempty" json:"services,omitempty"`
	Phone           string          `bson:"phone,omitempty" json:"phone,omitempty"`
	Statement       string          `bson:"statement,omitempty" json:"statement,omitempty"`
	ReviewsCount    int             `bson:"reviews_count,omitempty" json:"reviews_count,omitempty"`
	Affiliations    []Affiliation   `bson:"affiliations,omitempty" json:"affiliations,omitempty"`
	PrivatePractice *Affiliation    `bson:"private_practice,omitempty" json:"private_practice,omitempty"`
	Platform        string          `bson:"platform,omitempty" json:"platform,omitempty"`
	Stage           Stage           `bson:"stage" json:"stage"`
	RetryCount      int             `bson:"retry_count" json:"retry_count"`
	LastError       string          `bson:"last_error,omitempty" json:"last_error,omitempty"`
	ScrapedAt       *time.Time      `bson:"scraped_at,omitempty" json:"scraped_at,omitempty"`
}
