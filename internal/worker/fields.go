package worker

import (
	"strings"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// fieldRule maps a form label fragment to a value source. Rules are ordered
// specific before generic so "first name" wins over "name".
type fieldRule struct {
	fragments []string
	source    func(u domain.UserData) string
}

var fieldRules = []fieldRule{
	{[]string{"first name"}, func(u domain.UserData) string { return firstName(u) }},
	{[]string{"last name"}, func(u domain.UserData) string { return lastName(u) }},
	{[]string{"full name", "name"}, func(u domain.UserData) string { return u.Name }},
	{[]string{"email"}, func(u domain.UserData) string { return u.Email }},
	{[]string{"phone"}, func(u domain.UserData) string { return u.Phone }},
	{[]string{"address", "street"}, func(u domain.UserData) string { return u.Address }},
	{[]string{"city"}, func(u domain.UserData) string { return u.City }},
	{[]string{"state", "region"}, func(u domain.UserData) string { return u.State }},
	{[]string{"zip", "postal"}, func(u domain.UserData) string { return u.ZipCode }},
	{[]string{"country"}, func(u domain.UserData) string { return u.Country }},
	{[]string{"linkedin"}, func(u domain.UserData) string { return u.LinkedinURL }},
	{[]string{"github"}, func(u domain.UserData) string { return u.GithubURL }},
	{[]string{"portfolio", "website"}, func(u domain.UserData) string {
		if u.PortfolioURL != "" {
			return u.PortfolioURL
		}
		return u.Website
	}},
}

// standardFieldValue resolves a form label to profile data. ok=false means
// the label matched no rule, or the matched source is empty; the caller
// then treats it as a custom question.
func standardFieldValue(label string, u domain.UserData) (string, bool) {
	l := strings.ToLower(label)
	for _, rule := range fieldRules {
		for _, frag := range rule.fragments {
			if strings.Contains(l, frag) {
				v := rule.source(u)
				return v, v != ""
			}
		}
	}
	return "", false
}

// uploadFieldURL resolves file-upload labels to document URLs.
func uploadFieldURL(label string, u domain.UserData) (string, bool) {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "cover"):
		return u.CoverLetterURL, u.CoverLetterURL != ""
	case strings.Contains(l, "resume"), strings.Contains(l, "cv"):
		return u.ResumeURL, u.ResumeURL != ""
	}
	return "", false
}

func firstName(u domain.UserData) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	parts := strings.Fields(u.Name)
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

func lastName(u domain.UserData) string {
	if u.LastName != "" {
		return u.LastName
	}
	parts := strings.Fields(u.Name)
	if len(parts) > 1 {
		return strings.Join(parts[1:], " ")
	}
	return ""
}
