package adapters

import (
	"time"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// Adapter keys shipped with the harvester.
const (
	KeyUCTransfersMajor      = "uc_info_center_transfers_major"
	KeyUCFreshmanDiscipline  = "uc_info_center_freshman_discipline"
	KeyUCSourceSchool        = "uc_info_center_admissions_source_school"
	KeyCSUTransfer           = "csu_system_dashboards_transfer"
	KeyCSUFreshman           = "csu_system_dashboards_freshman"
	KeyCCCCODatamart         = "cccco_datamart_transfers"
	KeyCCCArticulation       = "ccc_articulation_pdfs"
	KeyCCCCatalog            = "ccc_catalog_courses"
	KeyIPEDS                 = "ipeds"
	KeyCCCCOHTML             = "cccco_html"
	defaultThrottle          = 2 * time.Second
	ucInfoCenterBaseURL      = "https://www.universityofcalifornia.edu/about-us/information-center"
	ucTermsURL               = "https://www.universityofcalifornia.edu/terms-of-use"
	csuDashboardsBaseURL     = "https://www.calstate.edu/data-center/institutional-research-analyses"
	csuTermsURL              = "https://www.calstate.edu/Pages/terms-of-use.aspx"
	ccccoDatamartBaseURL     = "https://datamart.cccco.edu"
	mtSacBaseURL             = "https://www.mtsac.edu"
	ipedsBaseURL             = "https://nces.ed.gov/ipeds/"
	ipedsCompletionsEndpoint = "https://nces.ed.gov/ipeds/api/completions/demo.json"
)

// DefaultSources returns the built-in source catalogue keyed by adapter key.
// Configuration may override any field.
func DefaultSources() map[string]harvest.SourceConfig {
	csvOrJSON := []string{"text/csv", "application/json"}
	pdf := []string{"application/pdf"}
	return map[string]harvest.SourceConfig{
		KeyUCTransfersMajor: {
			Key: KeyUCTransfersMajor, Name: "UC Information Center: Transfers by Major",
			Publisher: "University of California Office of the President",
			BaseURL:   ucInfoCenterBaseURL, TermsURL: ucTermsURL,
			Throttle: defaultThrottle, AllowedMIME: csvOrJSON,
		},
		KeyUCFreshmanDiscipline: {
			Key: KeyUCFreshmanDiscipline, Name: "UC Information Center: Freshman by Discipline",
			Publisher: "University of California Office of the President",
			BaseURL:   ucInfoCenterBaseURL, TermsURL: ucTermsURL,
			Throttle: defaultThrottle, AllowedMIME: csvOrJSON,
		},
		KeyUCSourceSchool: {
			Key: KeyUCSourceSchool, Name: "UC Information Center: Admissions by Source School",
			Publisher: "University of California Office of the President",
			BaseURL:   ucInfoCenterBaseURL, TermsURL: ucTermsURL,
			Throttle: defaultThrottle, AllowedMIME: csvOrJSON,
		},
		KeyCSUTransfer: {
			Key: KeyCSUTransfer, Name: "CSU System Dashboards: Transfer",
			Publisher: "The California State University",
			BaseURL:   csuDashboardsBaseURL, TermsURL: csuTermsURL,
			Throttle: defaultThrottle, AllowedMIME: csvOrJSON,
		},
		KeyCSUFreshman: {
			Key: KeyCSUFreshman, Name: "CSU System Dashboards: Freshman",
			Publisher: "The California State University",
			BaseURL:   csuDashboardsBaseURL, TermsURL: csuTermsURL,
			Throttle: defaultThrottle, AllowedMIME: csvOrJSON,
		},
		KeyCCCCODatamart: {
			Key: KeyCCCCODatamart, Name: "CCCCO DataMart: Transfers",
			Publisher: "California Community Colleges Chancellor's Office",
			BaseURL:   ccccoDatamartBaseURL,
			Throttle:  defaultThrottle, AllowedMIME: csvOrJSON,
		},
		KeyCCCArticulation: {
			Key: KeyCCCArticulation, Name: "CCC Articulation Agreements",
			Publisher: "Mt. San Antonio College",
			BaseURL:   mtSacBaseURL,
			Throttle:  defaultThrottle, AllowedMIME: pdf,
		},
		KeyCCCCatalog: {
			Key: KeyCCCCatalog, Name: "CCC Course Catalog",
			Publisher: "Mt. San Antonio College",
			BaseURL:   mtSacBaseURL,
			Throttle:  defaultThrottle, AllowedMIME: append(pdf, "text/html"),
		},
		KeyIPEDS: {
			Key: KeyIPEDS, Name: "IPEDS",
			Publisher: "National Center for Education Statistics",
			BaseURL:   ipedsBaseURL, Endpoint: ipedsCompletionsEndpoint,
			TermsURL: "https://nces.ed.gov/help/website-policies",
			Throttle: defaultThrottle, AllowedMIME: []string{"application/json"},
		},
		KeyCCCCOHTML: {
			Key: KeyCCCCOHTML, Name: "CCCCO DataMart: Transfer Velocity",
			Publisher: "California Community Colleges Chancellor's Office",
			BaseURL:   ccccoDatamartBaseURL, Endpoint: ccccoDatamartBaseURL + "/Outcomes/Transfer_Velocity.aspx",
			Throttle: defaultThrottle, AllowedMIME: []string{"text/html"},
		},
	}
}

func fixtures() []fixture {
	return []fixture{
		{
			key: KeyUCTransfersMajor, cohort: harvest.CohortTransfer,
			campus: "UC Irvine", major: "Mathematics", term: "Fall",
			stats: []stat{
				{"applicants", 3200}, {"admits", 1650}, {"enrolled", 840},
				{"gpa_p25", 3.1}, {"gpa_p50", 3.52}, {"gpa_p75", 3.85},
			},
			overrides: map[string]string{"campus": "campus", "major": "major"},
		},
		{
			key: KeyUCFreshmanDiscipline, cohort: harvest.CohortFreshman,
			campus: "UCLA", discipline: "Physical Sciences", term: "Fall",
			stats: []stat{
				{"applicants", 4800}, {"admits", 2200}, {"enrolled", 1100},
				{"gpa_p25", 3.3}, {"gpa_p50", 3.7}, {"gpa_p75", 3.95},
			},
			overrides: map[string]string{"campus": "campus", "major": "discipline", "discipline": "discipline"},
		},
		{
			key: KeyUCSourceSchool, cohort: harvest.CohortFreshman,
			campus: "UC San Diego", major: "Computer Science", term: "Fall",
			sourceSchool: "Walnut High School", schoolType: harvest.SchoolTypeHighSchool,
			stats: []stat{
				{"applicants", 5800}, {"admits", 2100}, {"enrolled", 950}, {"avg_gpa", 3.82},
			},
			overrides: map[string]string{"campus": "campus", "major": "major", "source_school": "source_school"},
		},
		{
			key: KeyCSUTransfer, cohort: harvest.CohortTransfer,
			campus: "CSU Long Beach", major: "Mathematics", term: "Fall",
			sourceSchool: "Mt. San Antonio College", schoolType: harvest.SchoolTypeCommunityCollege,
			stats: []stat{
				{"applicants", 2600}, {"admits", 1900}, {"enrolled", 1400},
				{"gpa_p25", 3.0}, {"gpa_p50", 3.45}, {"gpa_p75", 3.8},
			},
			overrides: map[string]string{"campus": "campus", "major": "major", "source_school": "source_school"},
		},
		{
			key: KeyCSUFreshman, cohort: harvest.CohortFreshman,
			campus: "CSU Fullerton", discipline: "Business", term: "Fall",
			stats: []stat{
				{"applicants", 4100}, {"admits", 2700}, {"enrolled", 1600},
				{"gpa_p25", 2.9}, {"gpa_p50", 3.35}, {"gpa_p75", 3.7},
			},
			overrides: map[string]string{"campus": "campus", "major": "discipline", "discipline": "discipline"},
		},
		{
			key: KeyCCCCODatamart, cohort: harvest.CohortTransfer,
			campus: "All CCCs", term: "Academic Year",
			stats:     []stat{{"transfer_volume", 17200}, {"adt_awards", 5600}},
			overrides: map[string]string{"campus": "campus"},
		},
		{
			key: KeyCCCArticulation, cohort: harvest.CohortTransfer,
			campus: "Mt. San Antonio College", major: "Engineering", discipline: "STEM", term: "2024",
			stats: []stat{
				{"articulation_tables", `{"pdf": "MTSAC-UCSD-2024.pdf", "notes": "transfer pathways"}`},
			},
			overrides: map[string]string{"campus": "campus"},
		},
		{
			key: KeyCCCCatalog, cohort: harvest.CohortTransfer,
			campus: "CCC Course Catalog", major: "Calculus", discipline: "Mathematics", term: "2024",
			stats: []stat{
				{"course_catalog_entry", `{"catalog_number": "MATH 33", "title": "Calculus for Statistics", "units": "5", "prereqs": "MATH 10"}`},
			},
			overrides: map[string]string{"campus": "campus"},
		},
	}
}
