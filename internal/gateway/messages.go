package gateway

import (
	"errors"

	"tripmind/internal/tripmind"
)

type messageSet struct {
	quota, credential, unavailable string
}

var messages = map[string]messageSet{
	"en": {
		quota:       "Quota limited, please try again in a moment.",
		credential:  "API key missing or invalid. Please select a valid key.",
		unavailable: "This service is unavailable right now.",
	},
	"cn": {
		quota:       "配额受限，请稍后再试。",
		credential:  "API 密钥缺失或无效，请重新选择有效的密钥。",
		unavailable: "该服务暂时不可用。",
	},
}

// UserMessage is the text shown to a traveller for err. Languages other than
// "cn" get English.
func UserMessage(err error, lang string) string {
	m, ok := messages[lang]
	if !ok {
		m = messages["en"]
	}
	ce := tripmind.Classify(err)
	if ce == nil {
		return ""
	}
	if errors.Is(err, tripmind.ErrMissingCredential) {
		return m.credential
	}
	switch ce.Kind {
	case tripmind.KindRateLimited:
		return m.quota
	case tripmind.KindCredentialInvalid:
		return m.credential
	}
	return m.unavailable
}
