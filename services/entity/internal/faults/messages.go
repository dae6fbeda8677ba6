package faults

// UserMessage renders a message safe to show end users. The underlying error
// text is never included.
func UserMessage(err error, recovered bool) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindValidation:
		if recovered {
			return "Some values were corrected automatically."
		}
		return "Some fields are invalid. Please review your input."
	case KindParsing:
		if recovered {
			return "Some values could not be read and were reset."
		}
		return "The submitted data could not be read."
	case KindCache:
		return "The request completed, but may be slower than usual."
	case KindFieldDefinition:
		if recovered {
			return "Some custom fields are no longer defined and were skipped."
		}
		return "A custom field definition is missing or invalid."
	case KindPermission:
		return "You do not have permission to perform this action."
	case KindConfiguration:
		return "This feature is not configured correctly. Contact your administrator."
	case KindNetwork, KindTimeout:
		return "The service is temporarily unavailable. Please try again."
	case KindDatabase:
		return "A storage error occurred. Please try again later."
	default:
		return "An unexpected error occurred."
	}
}
