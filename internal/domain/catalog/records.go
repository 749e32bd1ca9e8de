package catalog

// Part is the full catalog record for a single appliance part.
type Part struct {
	PartNumber             string `json:"part_number"`
	PartURL                string `json:"part_url"`
	ImageURL               string `json:"image_url,omitempty"`
	ProductDescription     string `json:"product_description"`
	SymptomsItFixes        string `json:"symptoms_it_fixes,omitempty"`
	AppliancesItsFor       string `json:"appliances_its_for,omitempty"`
	CompatibleBrands       string `json:"compatible_brands,omitempty"`
	InstallationVideo      string `json:"installation_video,omitempty"`
	Price                  string `json:"price,omitempty"`
	Availability           string `json:"availability,omitempty"`
	PSNumber               string `json:"ps_number,omitempty"`
	MfgNumber              string `json:"mfg_number,omitempty"`
	InstallationDifficulty string `json:"installation_difficulty,omitempty"`
	InstallationTime       string `json:"installation_time,omitempty"`
	ReviewCount            string `json:"review_count,omitempty"`
	Rating                 string `json:"rating,omitempty"`
}

// Link is a titled URL (manual, diagram or video) attached to a model.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Model is the catalog record for a single appliance model.
type Model struct {
	Type      string `json:"type"`
	ModelName string `json:"model_name"`
	ModelURL  string `json:"model_url"`
	Manuals   []Link `json:"manuals,omitempty"`
	Diagrams  []Link `json:"diagrams,omitempty"`
	Videos    []Link `json:"videos,omitempty"`
	PartsURL  string `json:"parts_url,omitempty"`
}

// Compatibility is the result of checking a part against a model.
// ModelLink is always populated; ProductLink only when compatible.
type Compatibility struct {
	Compatible  bool   `json:"compatible"`
	ProductLink string `json:"product_link,omitempty"`
	ModelLink   string `json:"model_link"`
}
