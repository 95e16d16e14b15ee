package schemas

// Built-in tool names. They never contain the provider separator, so they
// cannot collide with namespaced provider tools.
const (
	EndConversation    = "end_conversation"
	SnoozeConversation = "snooze_conversation"
	FetchURL           = "fetch"
	ProviderList       = "providers"
)

// EndConversationSchema lets the generator close a conversation.
func EndConversationSchema() *Schema {
	return NewSchema(EndConversation,
		"End this conversation. Use when the user's request is fully handled or the conversation has no further purpose.").
		AddParam("reason", "string", "Short reason for ending", false).
		Build()
}

// SnoozeConversationSchema lets the generator defer a conversation.
func SnoozeConversationSchema() *Schema {
	return NewSchema(SnoozeConversation,
		"Put this conversation aside and revisit it later. Repeated snoozes wait progressively longer.").
		AddParam("note", "string", "What to check when the conversation resumes", false).
		Build()
}

// FetchURLSchema offloads a page fetch to a background task.
func FetchURLSchema() *Schema {
	return NewSchema(FetchURL,
		"Fetch a web page in the background and convert it to markdown. The result arrives later as an event.").
		AddParam("url", "string", "Absolute http or https URL", true).
		AddParam("max_bytes", "integer", "Maximum bytes to read from the response", false).
		Build()
}

// ProviderListSchema reports connected tool providers and their health.
func ProviderListSchema() *Schema {
	return NewSchema(ProviderList,
		"List connected tool providers, their health and their tools. The result arrives later as an event.").
		Build()
}

// Builtin returns a registry with every built-in tool.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(EndConversationSchema())
	r.Register(SnoozeConversationSchema())
	r.Register(FetchURLSchema())
	r.Register(ProviderListSchema())
	return r
}

// Minimal returns the built-ins that cost nothing to execute.
func Minimal() *Registry {
	r := NewRegistry()
	r.Register(EndConversationSchema())
	r.Register(SnoozeConversationSchema())
	return r
}
