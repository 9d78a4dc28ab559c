package apierr

import "strings"

var messages = map[string]map[Code]string{
	"en": {
		NetworkError:      "No internet connection. Your request was saved and will be sent when you're back online.",
		Timeout:           "The request took too long. Please try again.",
		RateLimited:       "Too many requests right now. Please wait a moment and try again.",
		InvalidAPIKey:     "Your API key is invalid. Check it in settings.",
		InsufficientQuota: "You've reached your usage limit for today.",
		ServerError:       "The AI service is having trouble. Please try again shortly.",
		ParseError:        "We couldn't read the AI response. Showing general suggestions instead.",
		Cancelled:         "Request cancelled.",
		UnknownError:      "Something went wrong. Please try again.",
	},
	"es": {
		NetworkError:      "Sin conexión a internet. Tu solicitud se guardó y se enviará cuando vuelvas a estar en línea.",
		Timeout:           "La solicitud tardó demasiado. Inténtalo de nuevo.",
		RateLimited:       "Demasiadas solicitudes. Espera un momento e inténtalo de nuevo.",
		InvalidAPIKey:     "Tu clave de API no es válida. Revísala en ajustes.",
		InsufficientQuota: "Has alcanzado tu límite de uso de hoy.",
		ServerError:       "El servicio de IA tiene problemas. Inténtalo en breve.",
		ParseError:        "No pudimos leer la respuesta de la IA. Mostramos sugerencias generales.",
		Cancelled:         "Solicitud cancelada.",
		UnknownError:      "Algo salió mal. Inténtalo de nuevo.",
	},
}

// Message returns the user-facing text for code in lang. Unknown languages
// fall back to English and unknown codes to the generic message, so the
// result is never empty.
func Message(code Code, lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	table, ok := messages[lang]
	if !ok {
		table = messages["en"]
	}
	if m, ok := table[code]; ok {
		return m
	}
	return table[UnknownError]
}

// UserMessage is Message for the error's code.
func (e *Error) UserMessage(lang string) string {
	if e == nil {
		return Message(UnknownError, lang)
	}
	return Message(e.Code, lang)
}
