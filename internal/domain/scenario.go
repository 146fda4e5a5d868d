package domain

// Scenario is a read-only role-play definition from the catalog.
type Scenario struct {
	ID                 string   `yaml:"id"`
	Code               string   `yaml:"code"`
	TitleEN            string   `yaml:"title_en"`
	TitleFR            string   `yaml:"title_fr"`
	DescriptionEN      string   `yaml:"description_en"`
	DescriptionFR      string   `yaml:"description_fr"`
	Domain             string   `yaml:"domain"`
	Level              string   `yaml:"level"`
	DurationMin        int      `yaml:"duration_min"`
	SystemPrompt       string   `yaml:"system_prompt"`
	EvaluationCriteria []string `yaml:"evaluation_criteria"`
	Competencies       []string `yaml:"competencies"`
}
