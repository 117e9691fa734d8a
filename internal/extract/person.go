package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/medregistry/harvester/internal/model"
)

var experiencePattern = regexp.MustCompile(`(\d+)\s*(?:Yrs?|Years?)\s+Experience`)

// PersonProfile parses a person's profile page into a full record. Practice
// entries with an organization link become affiliations; an entry without one
// is the person's private practice.
func PersonProfile(html, profileURL string) (model.Person, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return model.Person{}, fmt.Errorf("parse profile html: %w", err)
	}

	p := model.Person{
		ProfileURL: profileURL,
		Name:       cleanText(doc.Find("h1").First().Text()),
		City:       cleanText(doc.Find(".city").First().Text()),
		Phone:      cleanText(doc.Find(".phone").First().Text()),
		Statement:  cleanText(doc.Find(".about-section p").First().Text()),
	}

	if spec := doc.Find("strong.specialties").First(); spec.Length() > 0 {
		for _, part := range strings.Split(spec.Text(), ",") {
			if s := cleanText(part); s != "" {
				p.Specialties = append(p.Specialties, s)
			}
		}
	}

	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if m := experiencePattern.FindStringSubmatch(sel.Text()); m != nil {
			p.ExperienceYears = firstInt(m[1])
			return false
		}
		return true
	})

	p.ReviewsCount = firstInt(doc.Find(".reviews-count").First().Text())
	p.Qualifications = qualificationsTable(doc)

	for _, aff := range practiceCards(doc, profileURL) {
		if aff.URL == "" {
			if p.PrivatePractice == nil {
				practice := aff
				p.PrivatePractice = &practice
			}
			continue
		}
		p.Affiliations = append(p.Affiliations, aff)
	}
	return p, nil
}

// qualificationsTable reads the table under the "Qualification" heading:
// institute in the first cell, degree in the second, year in an optional third.
func qualificationsTable(doc *goquery.Document) []model.Qualification {
	section := sectionByHeading(doc, "Qualification")
	if section == nil {
		return nil
	}
	var quals []model.Qualification
	section.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		q := model.Qualification{
			Institute: cleanText(cells.Eq(0).Text()),
			Degree:    cleanText(cells.Eq(1).Text()),
		}
		if cells.Length() > 2 {
			q.Year = cleanText(cells.Eq(2).Text())
		}
		if q.Institute != "" && q.Degree != "" {
			quals = append(quals, q)
		}
	})
	return quals
}

// practiceCards reads the practice section into affiliation entries.
func practiceCards(doc *goquery.Document, profileURL string) []model.Affiliation {
	section := sectionByHeading(doc, "Practice")
	if section == nil {
		return nil
	}
	var affs []model.Affiliation
	section.Find(".practice-card").Each(func(_ int, card *goquery.Selection) {
		aff := model.Affiliation{
			Name: cleanText(card.Find("h3").First().Text()),
		}
		if href, ok := card.Find("a[href]").First().Attr("href"); ok {
			aff.URL = absURL(href, profileURL)
		}
		card.Find("p").EachWithBreak(func(_ int, para *goquery.Selection) bool {
			if strings.Contains(para.Text(), "Rs") {
				aff.Fee = cleanText(para.Text())
				return false
			}
			return true
		})
		aff.Timings = timingsTable(card)
		if aff.Name != "" || aff.URL != "" {
			affs = append(affs, aff)
		}
	})
	return affs
}

// timingsTable flattens a day/time table into "Mon 9-5; Tue 9-5" form.
func timingsTable(card *goquery.Selection) string {
	var entries []string
	card.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		day := cleanText(cells.Eq(0).Text())
		hours := cleanText(cells.Eq(1).Text())
		if day != "" && hours != "" {
			entries = append(entries, day+" "+hours)
		}
	})
	return strings.Join(entries, "; ")
}

// sectionByHeading finds the innermost section or div whose h2 starts with
// the given heading text.
func sectionByHeading(doc *goquery.Document, heading string) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("section, div").Each(func(_ int, sel *goquery.Selection) {
		h2 := sel.ChildrenFiltered("h2").First()
		if h2.Length() == 0 {
			h2 = sel.Find("h2").First()
		}
		if strings.HasPrefix(cleanText(h2.Text()), heading) {
			found = sel
		}
	})
	return found
}
