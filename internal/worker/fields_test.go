package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

func sampleUser() domain.UserData {
	return domain.UserData{
		Name:           "Ada Lovelace",
		Email:          "ada@example.com",
		Phone:          "+15550001111",
		Address:        "12 Analytical Way",
		City:           "London",
		State:          "Greater London",
		ZipCode:        "EC1A",
		Country:        "UK",
		LinkedinURL:    "https://linkedin.com/in/ada",
		GithubURL:      "https://github.com/ada",
		ResumeURL:      "https://blob/resume.pdf",
		CoverLetterURL: "https://blob/cover.pdf",
	}
}

func TestStandardFieldValue_Mapping(t *testing.T) {
	u := sampleUser()
	cases := []struct {
		label string
		want  string
	}{
		{"Full Name", "Ada Lovelace"},
		{"Your name", "Ada Lovelace"},
		{"Email address", "ada@example.com"},
		{"Phone number", "+15550001111"},
		{"Street address", "12 Analytical Way"},
		{"City", "London"},
		{"State / Region", "Greater London"},
		{"Postal code", "EC1A"},
		{"ZIP", "EC1A"},
		{"Country", "UK"},
		{"LinkedIn profile", "https://linkedin.com/in/ada"},
		{"GitHub URL", "https://github.com/ada"},
	}
	for _, tc := range cases {
		got, ok := standardFieldValue(tc.label, u)
		assert.True(t, ok, tc.label)
		assert.Equal(t, tc.want, got, tc.label)
	}
}

func TestStandardFieldValue_SpecificBeatsGeneric(t *testing.T) {
	u := sampleUser()

	got, ok := standardFieldValue("First name", u)
	assert.True(t, ok)
	assert.Equal(t, "Ada", got)

	got, ok = standardFieldValue("Last name", u)
	assert.True(t, ok)
	assert.Equal(t, "Lovelace", got)
}

func TestStandardFieldValue_ExplicitNamePartsWin(t *testing.T) {
	u := sampleUser()
	u.FirstName = "Augusta"
	u.LastName = "King"

	got, _ := standardFieldValue("First name", u)
	assert.Equal(t, "Augusta", got)
	got, _ = standardFieldValue("Last name", u)
	assert.Equal(t, "King", got)
}

func TestStandardFieldValue_PortfolioFallsBackToWebsite(t *testing.T) {
	u := sampleUser()
	u.Website = "https://ada.dev"

	got, ok := standardFieldValue("Portfolio or website", u)
	assert.True(t, ok)
	assert.Equal(t, "https://ada.dev", got)

	u.PortfolioURL = "https://portfolio.ada.dev"
	got, _ = standardFieldValue("Portfolio or website", u)
	assert.Equal(t, "https://portfolio.ada.dev", got)
}

func TestStandardFieldValue_UnknownOrEmpty(t *testing.T) {
	u := sampleUser()

	_, ok := standardFieldValue("Why do you want to work here?", u)
	assert.False(t, ok)

	// Matching rule but empty source means a custom question too.
	u.Phone = ""
	_, ok = standardFieldValue("Phone", u)
	assert.False(t, ok)
}

func TestUploadFieldURL(t *testing.T) {
	u := sampleUser()

	got, ok := uploadFieldURL("Upload your resume", u)
	assert.True(t, ok)
	assert.Equal(t, "https://blob/resume.pdf", got)

	got, ok = uploadFieldURL("CV", u)
	assert.True(t, ok)
	assert.Equal(t, "https://blob/resume.pdf", got)

	// "cover" wins even when the label also says letter/cv elsewhere.
	got, ok = uploadFieldURL("Cover letter (PDF)", u)
	assert.True(t, ok)
	assert.Equal(t, "https://blob/cover.pdf", got)

	_, ok = uploadFieldURL("Portfolio samples", u)
	assert.False(t, ok)
}
