package pricing

// Built-in fallback prices, USD per million tokens. Keyed by model-name
// substrings so families match without pinning exact release names.
var defaultEntries = []Entry{
	{ID: "gpt-4o-mini", Input: 0.15, Output: 0.60, Vendor: "openai"},
	{ID: "gpt-4o", Input: 2.50, Output: 10.00, Vendor: "openai"},
	{ID: "gpt-4", Input: 30.00, Output: 60.00, Vendor: "openai"},
	{ID: "gpt-3.5", Input: 0.50, Output: 1.50, Vendor: "openai"},
	{ID: "o1", Input: 15.00, Output: 60.00, Vendor: "openai"},
	{ID: "claude-opus", Input: 15.00, Output: 75.00, Vendor: "anthropic"},
	{ID: "claude-sonnet", Input: 3.00, Output: 15.00, Vendor: "anthropic"},
	{ID: "claude-haiku", Input: 0.80, Output: 4.00, Vendor: "anthropic"},
	{ID: "gemini-pro", Input: 1.25, Output: 5.00, Vendor: "google"},
	{ID: "gemini-flash", Input: 0.075, Output: 0.30, Vendor: "google"},
	{ID: "deepseek", Input: 0.27, Output: 1.10, Vendor: "deepseek"},
	{ID: "mistral-large", Input: 2.00, Output: 6.00, Vendor: "mistral"},
	{ID: "_default", Input: 1.00, Output: 3.00, Vendor: ""},
}
