package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/pipeline"
	"github.com/medregistry/harvester/internal/store"
)

const orgPage = `
<html><body>
<h1>General Hospital</h1>
<p class="address">JM-75, Off Main Road, Karachi</p>
<span class="city">Karachi</span>
<span class="phone">021-111-222</span>
<a class="service-tag">Cardiology</a>
<div class="member-card">
  <a href="/doctor/jane-smith"><h3>Dr. Jane Smith</h3></a>
  <p class="specialty">Cardiologist</p>
  <p class="experience">15 Yrs</p>
</div>
<div class="about-section">
  <ul>
    <li><a href="/doctor/jane-smith">Dr. Jane Smith</a></li>
    <li><a href="/doctor/ali-khan">Dr. Ali Khan</a></li>
  </ul>
</div>
</body></html>`

const personPage = `
<html><body>
<h1>Dr. Jane Smith</h1>
<span class="city">Karachi</span>
<p class="intro"><strong class="specialties">Cardiologist</strong></p>
<p>15 Yrs Experience</p>
<section>
  <h2>Practice Addresses</h2>
  <div class="practice-card">
    <a href="/hospital/general-hospital"><h3>General Hospital</h3></a>
    <p>Fee: Rs. 2500</p>
  </div>
  <div class="practice-card">
    <h3>Private Clinic</h3>
    <p>Fee: Rs. 3000</p>
  </div>
</section>
</body></html>`

type stubLoader struct {
	pages map[string]string
	errs  map[string]error
}

func (s *stubLoader) HTML(_ context.Context, rawURL string) (string, error) {
	if err := s.errs[rawURL]; err != nil {
		return "", err
	}
	html, ok := s.pages[rawURL]
	if !ok {
		return "", errors.New("no fixture for " + rawURL)
	}
	return html, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

const (
	orgURL    = "https://directory.example/hospital/general-hospital"
	janeURL   = "https://directory.example/doctor/jane-smith"
	aliURL    = "https://directory.example/doctor/ali-khan"
	siteN     = "medsite"
	maxRetry  = 3
	runnerLim = 0
)

func newHarvester(pages map[string]string) *Harvester {
	return NewHarvester(&stubLoader{pages: pages}, siteN, zap.NewNop())
}

func TestEnrichOrganization(t *testing.T) {
	h := newHarvester(map[string]string{orgURL: orgPage})

	result, err := h.EnrichOrganization(context.Background(), bson.M{"url": orgURL})
	require.NoError(t, err)
	assert.Equal(t, "General Hospital", result.Incoming["name"])
	assert.Equal(t, "021-111-222", result.Incoming["phone"])
	assert.Equal(t, siteN, result.Incoming["platform"])
}

func TestCollectMembersDedupesSightings(t *testing.T) {
	h := newHarvester(map[string]string{orgURL: orgPage})

	result, err := h.CollectMembers(context.Background(), bson.M{
		"url":  orgURL,
		"name": "General Hospital",
	})
	require.NoError(t, err)

	// Jane appears in both the card grid and the about list; one sighting.
	require.Len(t, result.Discoveries, 2)
	assert.Equal(t, janeURL, result.Discoveries[0].Key)
	assert.Equal(t, aliURL, result.Discoveries[1].Key)

	// The card sighting keeps its specialty; every sighting points back at
	// the organization.
	jane := result.Discoveries[0].Fields
	assert.Equal(t, []string{"Cardiologist"}, jane["specialties"])
	affs, ok := jane["affiliations"].([]model.Affiliation)
	require.True(t, ok)
	require.Len(t, affs, 1)
	assert.Equal(t, orgURL, affs[0].URL)
	assert.Equal(t, "General Hospital", affs[0].Name)

	members, ok := result.Incoming["members"].([]model.Affiliation)
	require.True(t, ok)
	assert.Len(t, members, 2)
}

func TestEnrichPersonEmitsReverseAffiliation(t *testing.T) {
	h := newHarvester(map[string]string{janeURL: personPage})

	result, err := h.EnrichPerson(context.Background(), bson.M{"profile_url": janeURL})
	require.NoError(t, err)
	assert.Equal(t, "Dr. Jane Smith", result.Incoming["name"])

	// Only the linked practice becomes an organization update; the private
	// clinic has no URL and stays on the person record.
	require.Len(t, result.Related, 1)
	rel := result.Related[0]
	assert.Equal(t, store.CollOrganizations, rel.Collection)
	assert.Equal(t, orgURL, rel.Key)
	members, ok := rel.Incoming["members"].([]model.Affiliation)
	require.True(t, ok)
	require.Len(t, members, 1)
	assert.Equal(t, janeURL, members[0].URL)
}

func TestFinalizeOrganizationBackfillsMembers(t *testing.T) {
	h := newHarvester(nil)

	result, err := h.FinalizeOrganization(context.Background(), bson.M{
		"url":  orgURL,
		"name": "General Hospital",
		"members": bson.A{
			bson.M{"url": janeURL, "name": "Dr. Jane Smith"},
			bson.M{"name": "linkless entry"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Discoveries, 1)
	assert.Equal(t, janeURL, result.Discoveries[0].Key)
}

func TestLoadFailureSurfacesToPipeline(t *testing.T) {
	h := NewHarvester(&stubLoader{errs: map[string]error{orgURL: errors.New("probe: status 503")}}, siteN, zap.NewNop())

	_, err := h.EnrichOrganization(context.Background(), bson.M{"url": orgURL})
	require.Error(t, err)
}

const listingPage = `
<html><body>
<div class="listing-card">
  <a class="listing-name" href="/hospital/general-hospital">General Hospital, Karachi</a>
  <p class="address">JM-75, Off Main Road, Jacob Lines, Karachi</p>
</div>
<div class="listing-card">
  <a class="listing-name" href="/hospital/city-clinic">City Clinic, Lahore</a>
</div>
</body></html>`

func TestDiscoverOrganizationsIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	orgs := st.Collection(store.CollOrganizations)
	listingURL := "https://directory.example/hospitals"

	h := newHarvester(map[string]string{listingURL: listingPage})

	inserted, err := h.DiscoverOrganizations(ctx, orgs, []string{listingURL})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Enrich one record, then re-discover: nothing is inserted and the
	// richer record keeps its fields.
	_, err = orgs.UpdateOne(ctx,
		store.M{"url": orgURL},
		store.M{"$set": store.M{"phone": "021-111-222", "stage": model.StageEnriched}},
	)
	require.NoError(t, err)

	inserted, err = h.DiscoverOrganizations(ctx, orgs, []string{listingURL})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	var org bson.M
	require.NoError(t, orgs.FindOne(ctx, store.M{"url": orgURL}, &org))
	assert.Equal(t, "021-111-222", org["phone"])
	assert.EqualValues(t, model.StageEnriched, org["stage"])
}

func TestDiscoverListingsExpandsLocationIndex(t *testing.T) {
	ctx := context.Background()
	indexURL := "https://directory.example/hospitals"
	indexPage := `<html><body>
	<h2>Top Cities</h2>
	<a href="/hospitals/karachi">Hospitals in Karachi</a>
	<a href="/hospitals/lahore">Hospitals in Lahore</a>
	<h2>Other Cities</h2>
	<a href="/hospitals/karachi">Hospitals in Karachi</a>
	</body></html>`

	h := newHarvester(map[string]string{indexURL: indexPage})

	listings, err := h.DiscoverListings(ctx, []string{indexURL}, "/hospitals/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://directory.example/hospitals/karachi",
		"https://directory.example/hospitals/lahore",
	}, listings)

	// A dead index page is skipped, not fatal.
	h = NewHarvester(&stubLoader{errs: map[string]error{indexURL: errors.New("probe: status 503")}}, siteN, zap.NewNop())
	listings, err = h.DiscoverListings(ctx, []string{indexURL}, "/hospitals/")
	require.NoError(t, err)
	assert.Empty(t, listings)
}

// Exercises both pipelines end to end over the in-memory store: an
// organization seeded at the entry stage produces person records, and
// enriching those people converges the member list from the other end.
func TestPipelinesConverge(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.Collection(store.CollOrganizations).InsertOne(ctx, store.M{
		"url":         orgURL,
		"stage":       model.StageDiscovered,
		"retry_count": 0,
	}))

	h := newHarvester(map[string]string{
		orgURL:  orgPage,
		janeURL: personPage,
		aliURL:  personPage,
	})
	clk := fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := pipeline.NewRunner(st, nil, clk, zap.NewNop(), 2, runnerLim)

	_, err := runner.RunAll(ctx, h.OrganizationSpecs(maxRetry))
	require.NoError(t, err)

	var org bson.M
	require.NoError(t, st.Collection(store.CollOrganizations).FindOne(ctx, store.M{"url": orgURL}, &org))
	assert.EqualValues(t, model.StageProcessed, org["stage"])
	assert.Equal(t, "General Hospital", org["name"])

	count, err := st.Collection(store.CollPeople).Count(ctx, store.M{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	_, err = runner.RunAll(ctx, h.PersonSpecs(maxRetry))
	require.NoError(t, err)

	var jane bson.M
	require.NoError(t, st.Collection(store.CollPeople).FindOne(ctx, store.M{"profile_url": janeURL}, &jane))
	assert.EqualValues(t, model.StageProcessed, jane["stage"])
	assert.Equal(t, "Dr. Jane Smith", jane["name"])

	// The discovery already linked Jane to the org; the profile scrape
	// re-observes the same practice and must not duplicate it.
	affs, ok := jane["affiliations"].(bson.A)
	require.True(t, ok)
	assert.Len(t, affs, 1)
}
