package directory

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/extract"
	"github.com/medregistry/harvester/internal/harvest"
	"github.com/medregistry/harvester/internal/merge"
	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/pipeline"
	"github.com/medregistry/harvester/internal/store"
)

// Bookkeeping fields the pipeline owns; never merged from scraped data.
var pipelineFields = []string{"stage", "retry_count", "last_error", "scraped_at"}

// OrganizationMergeOptions correlates an organization's member list by
// profile URL, falling back to name for sightings that lacked a link.
func OrganizationMergeOptions() merge.Options {
	return merge.Options{
		SkipFields: pipelineFields,
		ListKeys: map[string]merge.ListKey{
			"members": {Primary: "url", Fallback: "name"},
		},
	}
}

// PersonMergeOptions correlates affiliations by organization URL and
// qualifications by degree, since two credentials from one institute are
// distinct entries.
func PersonMergeOptions() merge.Options {
	return merge.Options{
		SkipFields: pipelineFields,
		ListKeys: map[string]merge.ListKey{
			"affiliations":   {Primary: "url", Fallback: "name"},
			"qualifications": {Primary: "degree", Fallback: "institute"},
		},
	}
}

// Harvester implements the directory's stage drivers over a page loader.
type Harvester struct {
	loader   PageLoader
	platform string
	logger   *zap.Logger
}

// NewHarvester builds the driver set. platform tags every record with the
// directory it came from.
func NewHarvester(loader PageLoader, platform string, logger *zap.Logger) *Harvester {
	return &Harvester{
		loader:   loader,
		platform: platform,
		logger:   logger,
	}
}

// OrganizationSpecs returns the organization pipeline in run order:
// detail enrichment, member collection, then member reconciliation.
func (h *Harvester) OrganizationSpecs(maxRetries int) []pipeline.StageSpec {
	return []pipeline.StageSpec{
		{
			Name:       "org-enrich",
			Collection: store.CollOrganizations,
			KeyField:   "url",
			Entry:      model.StageDiscovered,
			Next:       model.StageEnriched,
			MaxRetries: maxRetries,
			MergeOpts:  OrganizationMergeOptions(),
			Driver:     h.EnrichOrganization,
		},
		{
			Name:       "org-members",
			Collection: store.CollOrganizations,
			KeyField:   "url",
			Entry:      model.StageEnriched,
			Next:       model.StageMembersCollected,
			MaxRetries: maxRetries,
			MergeOpts:  OrganizationMergeOptions(),
			Driver:     h.CollectMembers,
		},
		{
			Name:       "org-finalize",
			Collection: store.CollOrganizations,
			KeyField:   "url",
			Entry:      model.StageMembersCollected,
			Next:       model.StageProcessed,
			MaxRetries: maxRetries,
			MergeOpts:  OrganizationMergeOptions(),
			Driver:     h.FinalizeOrganization,
		},
	}
}

// PersonSpecs returns the person pipeline: a single profile enrichment stage.
func (h *Harvester) PersonSpecs(maxRetries int) []pipeline.StageSpec {
	return []pipeline.StageSpec{
		{
			Name:       "person-enrich",
			Collection: store.CollPeople,
			KeyField:   "profile_url",
			Entry:      model.StageDiscovered,
			Next:       model.StageProcessed,
			MaxRetries: maxRetries,
			MergeOpts:  PersonMergeOptions(),
			Driver:     h.EnrichPerson,
		},
	}
}

// EnrichOrganization loads the organization's detail page and scrapes its
// contact fields and service list.
func (h *Harvester) EnrichOrganization(ctx context.Context, doc bson.M) (pipeline.Result, error) {
	orgURL, _ := doc["url"].(string)
	html, err := h.loader.HTML(ctx, orgURL)
	if err != nil {
		return pipeline.Result{}, err
	}
	org, err := extract.OrganizationDetail(html, orgURL)
	if err != nil {
		return pipeline.Result{}, harvest.NewExtractionError(orgURL, err)
	}
	org.Platform = h.platform
	incoming, err := toDoc(org)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{Incoming: incoming}, nil
}

// CollectMembers re-reads the organization page for its staff cards and
// about-section link list. Every sighted person becomes a minimal discovery
// carrying a back-affiliation to this organization, and the organization
// gains its member list.
func (h *Harvester) CollectMembers(ctx context.Context, doc bson.M) (pipeline.Result, error) {
	orgURL, _ := doc["url"].(string)
	orgName, _ := doc["name"].(string)

	html, err := h.loader.HTML(ctx, orgURL)
	if err != nil {
		return pipeline.Result{}, err
	}
	cards, err := extract.MemberCards(html, orgURL)
	if err != nil {
		return pipeline.Result{}, harvest.NewExtractionError(orgURL, err)
	}
	list, err := extract.MemberList(html, orgURL)
	if err != nil {
		return pipeline.Result{}, harvest.NewExtractionError(orgURL, err)
	}

	seen := make(map[string]bool, len(cards))
	people := make([]model.Person, 0, len(cards)+len(list))
	for _, p := range append(cards, list...) {
		if seen[p.ProfileURL] {
			continue
		}
		seen[p.ProfileURL] = true
		people = append(people, p)
	}

	members := make([]model.Affiliation, 0, len(people))
	discoveries := make([]pipeline.Discovery, 0, len(people))
	for _, p := range people {
		members = append(members, model.Affiliation{
			URL:  p.ProfileURL,
			Name: p.Name,
		})
		discoveries = append(discoveries, pipeline.Discovery{
			Collection: store.CollPeople,
			KeyField:   "profile_url",
			Key:        p.ProfileURL,
			Fields:     personSightingFields(p, orgURL, orgName, h.platform),
		})
	}

	incoming := bson.M{}
	if len(members) > 0 {
		incoming["members"] = members
	}
	return pipeline.Result{Incoming: incoming, Discoveries: discoveries}, nil
}

// FinalizeOrganization reconciles the stored member list without fetching:
// any member still missing a person record gets one, so a run interrupted
// between member collection and person discovery self-heals.
func (h *Harvester) FinalizeOrganization(_ context.Context, doc bson.M) (pipeline.Result, error) {
	orgURL, _ := doc["url"].(string)
	orgName, _ := doc["name"].(string)

	var discoveries []pipeline.Discovery
	for _, member := range listField(doc, "members") {
		profileURL, _ := member["url"].(string)
		if profileURL == "" {
			continue
		}
		name, _ := member["name"].(string)
		discoveries = append(discoveries, pipeline.Discovery{
			Collection: store.CollPeople,
			KeyField:   "profile_url",
			Key:        profileURL,
			Fields: store.M{
				"name":     name,
				"platform": h.platform,
				"affiliations": []model.Affiliation{
					{URL: orgURL, Name: orgName},
				},
			},
		})
	}
	return pipeline.Result{Discoveries: discoveries}, nil
}

// EnrichPerson loads the profile page and scrapes the full person record.
// Each linked practice is written back onto the organization side as well,
// so the relationship converges no matter which end is scraped first.
func (h *Harvester) EnrichPerson(ctx context.Context, doc bson.M) (pipeline.Result, error) {
	profileURL, _ := doc["profile_url"].(string)
	html, err := h.loader.HTML(ctx, profileURL)
	if err != nil {
		return pipeline.Result{}, err
	}
	person, err := extract.PersonProfile(html, profileURL)
	if err != nil {
		return pipeline.Result{}, harvest.NewExtractionError(profileURL, err)
	}
	person.Platform = h.platform
	incoming, err := toDoc(person)
	if err != nil {
		return pipeline.Result{}, err
	}

	var related []pipeline.RelatedUpdate
	for _, aff := range person.Affiliations {
		if aff.URL == "" {
			continue
		}
		related = append(related, pipeline.RelatedUpdate{
			Collection: store.CollOrganizations,
			KeyField:   "url",
			Key:        aff.URL,
			Incoming: store.M{
				"url":      aff.URL,
				"name":     aff.Name,
				"platform": h.platform,
				"members": []model.Affiliation{
					{URL: person.ProfileURL, Name: person.Name},
				},
			},
			Opts: OrganizationMergeOptions(),
		})
	}
	return pipeline.Result{Incoming: incoming, Related: related}, nil
}

func personSightingFields(p model.Person, orgURL, orgName, platform string) store.M {
	fields := store.M{
		"name":     p.Name,
		"platform": platform,
		"affiliations": []model.Affiliation{
			{URL: orgURL, Name: orgName},
		},
	}
	if len(p.Specialties) > 0 {
		fields["specialties"] = p.Specialties
	}
	if p.ExperienceYears > 0 {
		fields["experience_years"] = p.ExperienceYears
	}
	return fields
}

// toDoc flattens a model struct into the bson.M shape the merge engine works
// on, honoring the struct's bson tags.
func toDoc(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return doc, nil
}

// listField reads a list-of-document field in any of the shapes the store
// hands back.
func listField(doc bson.M, field string) []bson.M {
	var out []bson.M
	switch items := doc[field].(type) {
	case bson.A:
		for _, item := range items {
			if m, ok := item.(bson.M); ok {
				out = append(out, m)
			}
		}
	case []bson.M:
		out = items
	case []any:
		for _, item := range items {
			if m, ok := item.(bson.M); ok {
				out = append(out, m)
			}
		}
	}
	return out
}
