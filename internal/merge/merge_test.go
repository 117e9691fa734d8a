package merge

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var personOpts = Options{
	SkipFields: []string{"scraped_at", "stage", "retry_count", "last_error"},
	ListKeys: map[string]ListKey{
		"affiliations":   {Primary: "url", Fallback: "name"},
		"qualifications": {Primary: "degree", Fallback: "institute"},
	},
}

func TestMerge_EmptyIncomingNeverOverwrites(t *testing.T) {
	t.Parallel()

	existing := bson.M{
		"profile_url": "https://example.com/p/1",
		"name":        "Dr. Ayesha Khan",
		"specialties": []string{"Cardiology"},
	}
	incoming := bson.M{
		"profile_url": "https://example.com/p/1",
		"name":        "",
		"specialties": []string{},
		"phone":       "021-111",
	}

	updates, err := Merge(existing, incoming, personOpts)
	require.NoError(t, err)
	require.NotNil(t, updates)
	require.NotContains(t, updates, "name")
	require.NotContains(t, updates, "specialties")
	require.Equal(t, "021-111", updates["phone"])
}

func TestMerge_SpecialtiesUntouchedQualificationsAdded(t *testing.T) {
	t.Parallel()

	existing := bson.M{
		"specialties":    []string{"Cardiology"},
		"qualifications": []bson.M{},
	}
	incoming := bson.M{
		"specialties":    []string{},
		"qualifications": []bson.M{{"institute": "X", "degree": "Y"}},
	}

	updates, err := Merge(existing, incoming, personOpts)
	require.NoError(t, err)
	require.NotNil(t, updates)
	require.NotContains(t, updates, "specialties")
	require.Equal(t,
		primitive.A{bson.M{"institute": "X", "degree": "Y"}},
		updates["qualifications"],
	)
}

func TestMerge_NoChangeReturnsNil(t *testing.T) {
	t.Parallel()

	existing := bson.M{
		"name":  "City Hospital",
		"city":  "Karachi",
		"phone": "021-222",
	}
	incoming := bson.M{
		"name": "City Hospital",
		"city": "Karachi",
	}

	updates, err := Merge(existing, incoming, Options{})
	require.NoError(t, err)
	require.Nil(t, updates)
}

func TestMerge_KeyedListUnionPreservesExistingElements(t *testing.T) {
	t.Parallel()

	existing := bson.M{
		"affiliations": []bson.M{
			{"name": "Old Clinic", "url": "https://example.com/h/old", "fee": "1500"},
		},
	}
	incoming := bson.M{
		"affiliations": []bson.M{
			// Same element seen from the other end, with a new sub-field and
			// an empty fee that must not clobber the stored one.
			{"name": "", "url": "https://example.com/h/old", "fee": "", "timings": "9-5"},
			{"name": "New Clinic", "url": "https://example.com/h/new"},
		},
	}

	updates, err := Merge(existing, incoming, personOpts)
	require.NoError(t, err)
	require.NotNil(t, updates)

	merged, ok := updates["affiliations"].(primitive.A)
	require.True(t, ok)
	require.Len(t, merged, 2)

	first, ok := merged[0].(bson.M)
	require.True(t, ok)
	require.Equal(t, "Old Clinic", first["name"])
	require.Equal(t, "1500", first["fee"])
	require.Equal(t, "9-5", first["timings"])

	second, ok := merged[1].(bson.M)
	require.True(t, ok)
	require.Equal(t, "https://example.com/h/new", second["url"])
}

func TestMerge_KeyedListIdempotent(t *testing.T) {
	t.Parallel()

	existing := bson.M{
		"name": "Dr. Bilal",
		"affiliations": []bson.M{
			{"name": "Alpha", "url": "https://example.com/h/a"},
		},
	}
	incoming := bson.M{
		"name": "Dr. Bilal",
		"affiliations": []bson.M{
			{"name": "Beta", "url": "https://example.com/h/b", "fee": "2000"},
		},
	}

	first, err := Merge(existing, incoming, personOpts)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Apply the first update set, then merge the same incoming again.
	applied := bson.M{"name": existing["name"], "affiliations": first["affiliations"]}
	second, err := Merge(applied, incoming, personOpts)
	require.NoError(t, err)
	require.Nil(t, second, "re-applying the same incoming record must be a no-op")
}

func TestMerge_CommutativeAcrossDrivers(t *testing.T) {
	t.Parallel()

	base := bson.M{"profile_url": "https://example.com/p/2"}
	fromOrgPage := bson.M{
		"affiliations": []bson.M{{"name": "Gamma", "url": "https://example.com/h/g"}},
	}
	fromProfile := bson.M{
		"affiliations": []bson.M{{"url": "https://example.com/h/g", "fee": "900"}},
	}

	apply := func(doc, inc bson.M) bson.M {
		updates, err := Merge(doc, inc, personOpts)
		require.NoError(t, err)
		out := bson.M{}
		for k, v := range doc {
			out[k] = v
		}
		for k, v := range updates {
			out[k] = v
		}
		norm, err := normalize(out)
		require.NoError(t, err)
		return norm
	}

	ab := apply(apply(base, fromOrgPage), fromProfile)
	ba := apply(apply(base, fromProfile), fromOrgPage)

	abList := ab["affiliations"].(primitive.A)
	baList := ba["affiliations"].(primitive.A)
	require.Len(t, abList, 1)
	require.Len(t, baList, 1)
	require.Equal(t, abList[0].(bson.M)["name"], baList[0].(bson.M)["name"])
	require.Equal(t, abList[0].(bson.M)["fee"], baList[0].(bson.M)["fee"])
}

func TestMerge_MissingExistingTakesIncoming(t *testing.T) {
	t.Parallel()

	incoming := bson.M{
		"profile_url": "https://example.com/p/3",
		"name":        "Dr. Sana",
		"stage":       2,
	}
	updates, err := Merge(nil, incoming, personOpts)
	require.NoError(t, err)
	require.Equal(t, "Dr. Sana", updates["name"])
	require.NotContains(t, updates, "stage", "pipeline bookkeeping fields are never merged")
}
