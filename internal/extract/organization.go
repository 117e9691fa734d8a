package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/medregistry/harvester/internal/model"
)

// OrganizationCards parses a listing page into minimal organization records.
// A card without a name or link is dropped; listing pages carry partial data
// and the detail stage fills in the rest.
func OrganizationCards(html, pageURL string) ([]model.Organization, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	var orgs []model.Organization
	doc.Find(".listing-card").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("a.listing-name").First()
		full := cleanText(link.Text())
		href, _ := link.Attr("href")
		orgURL := absURL(href, pageURL)
		if full == "" || orgURL == "" {
			return
		}

		// Listing names carry the city after the last comma.
		name, city := splitNameCity(full)

		var address string
		card.Find("p.address").EachWithBreak(func(_ int, p *goquery.Selection) bool {
			if text := cleanText(p.Text()); text != "" {
				address = text
				return false
			}
			return true
		})

		orgs = append(orgs, model.Organization{
			URL:     orgURL,
			Name:    name,
			City:    city,
			Area:    areaFromAddress(address),
			Address: address,
		})
	})
	return orgs, nil
}

// areaFromAddress pulls the neighborhood out of a comma-separated address,
// the part just before the trailing city.
func areaFromAddress(address string) string {
	parts := strings.Split(address, ",")
	if len(parts) < 3 {
		return ""
	}
	return cleanText(parts[len(parts)-2])
}

// OrganizationDetail parses an organization's own page into an enriched
// record. Missing sections leave their fields empty; the merge engine keeps
// whatever an earlier stage already stored.
func OrganizationDetail(html, orgURL string) (model.Organization, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return model.Organization{}, fmt.Errorf("parse organization html: %w", err)
	}

	org := model.Organization{
		URL:     orgURL,
		Name:    cleanText(doc.Find("h1").First().Text()),
		City:    cleanText(doc.Find(".city").First().Text()),
		Area:    cleanText(doc.Find(".area").First().Text()),
		Address: cleanText(doc.Find(".address").First().Text()),
		Phone:   cleanText(doc.Find(".phone").First().Text()),
	}
	if org.Address == "" {
		org.Address = cleanText(doc.Find("p.address").First().Text())
	}

	seen := map[string]struct{}{}
	doc.Find("a.service-tag").Each(func(_ int, sel *goquery.Selection) {
		svc := cleanText(sel.Text())
		if svc == "" {
			return
		}
		if _, dup := seen[svc]; dup {
			return
		}
		seen[svc] = struct{}{}
		org.Services = append(org.Services, svc)
	})
	return org, nil
}

// MemberCards parses the staff cards on an organization page into minimal
// person records. Cards missing a name or profile link are skipped.
func MemberCards(html, pageURL string) ([]model.Person, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse member cards: %w", err)
	}
	var people []model.Person
	doc.Find(".member-card").Each(func(_ int, card *goquery.Selection) {
		nameTag := card.Find("a h3").First()
		name := cleanText(nameTag.Text())
		href, _ := nameTag.Parent().Attr("href")
		profileURL := absURL(href, pageURL)
		if name == "" || profileURL == "" {
			return
		}
		p := model.Person{
			ProfileURL: profileURL,
			Name:       name,
		}
		if spec := cleanText(card.Find("p.specialty").First().Text()); spec != "" {
			p.Specialties = []string{spec}
		}
		p.ExperienceYears = firstInt(card.Find("p.experience").First().Text())
		people = append(people, p)
	})
	return people, nil
}

// MemberList parses the plain link list in an organization's about section.
// These sightings carry only a name and a profile URL.
func MemberList(html, pageURL string) ([]model.Person, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse member list: %w", err)
	}
	var people []model.Person
	doc.Find(".about-section ul li a").Each(func(_ int, link *goquery.Selection) {
		name := cleanText(link.Text())
		href, _ := link.Attr("href")
		profileURL := absURL(href, pageURL)
		if name == "" || profileURL == "" {
			return
		}
		people = append(people, model.Person{
			ProfileURL: profileURL,
			Name:       name,
		})
	})
	return people, nil
}
