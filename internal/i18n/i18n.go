package i18n

import (
	"fmt"
	"strings"
)

const repoURL = "https://github.com/clarencecastillo/ntu-campusbot"

// Supported languages: English (en). Telegram clients report other codes;
// those fall back to English.
var supported = map[string]map[string]string{
	"en": {
		"start": `
Thank you for using <b>NTU_CampusBot</b>!

I can help you fetch the latest news from NTU News Hub and also check for crowded areas around the campus so you can effectively plan your stay.

<b>DISCLAIMER</b>
<code>This bot is for informational purposes only. Use of NTU surveillance is governed by the university and may be subject to change without prior notice. If you find a bug, or notice that NTU_CampusBot is not working, please file a New Issue on Github.</code> [<a href='` + repoURL + `'>link</a>]

<b>NOTES</b>
<code>Timestamp shown of the snapshot image may not accurately reflect the camera's view at the time of request. You may notice a slight desynchronization due to the fixed refresh rate of the cameras.</code>

To check available commands, use /help
`,
		"help": `
You can control this bot by sending these commands:

/peek - get current screenshot of a location
/news - get latest news from NTU News Hub
/subscribe - subscribe to NTU's official twitter account feed
/unsubscribe - unsubscribe from NTU's official twitter account feed
/shuttle - get info about NTU internal shuttle bus routes
/about - get info about this bot
`,
		"about": `
====================
<b>NTU_CampusBot</b>   v<b>%s</b>
====================

Made with %s by:
<b>%s</b>
`,
		"admin_status":        "Hi Admin!\nCurrent Status: %s",
		"peek":                "Which location should I peek for you?",
		"shuttle":             "Get info about which shuttle bus service?",
		"shuttle_unavailable": "Shuttle bus information is not available right now. Try again later?",
		"news_wait":           "Fetching latest news. Please wait.",
		"invalid_command":     "Say again? I didn't quite catch that.",
		"already_subscribed":  "You are already subscribed to receive the latest tweets from NTU's official Twitter account! Wanna unsub? /unsubscribe",
		"not_subscribed":      "You are not subscribed to receive the latest tweets from NTU's official Twitter account! Wanna sub? /subscribe",
		"subscribed":          "Successfully subscribed to NTU's official Twitter account! Wanna unsub? /unsubscribe",
		"unsubscribed":        "Successfully unsubscribed from NTU's official Twitter account! Wanna sub back? /subscribe",
		"maintenance_notice":  "NTU_CampusBot is currently under maintenance! We apologise for any inconvenience caused. Try again later? \U0001F605",
		"maintenance_mode":    "Maintenance Mode: %s",
		"fetching":            "Fetching data. Please wait.",
		"stats_header":        "NTU_CampusBot Statistics:",
		"subscribers_header":  "NTU_CampusBot Subscribers:",
		"broadcast_report":    "Broadcast sent to %d of %d subscribers.",
		"cmd_peek":            "get current screenshot of a location",
		"cmd_news":            "get latest news from NTU News Hub",
		"cmd_subscribe":       "subscribe to NTU's official twitter account feed",
		"cmd_unsubscribe":     "unsubscribe from NTU's official twitter account feed",
		"cmd_shuttle":         "get info about NTU internal shuttle bus routes",
		"cmd_about":           "get info about this bot",
		"cmd_help":            "list available commands",
	},
}

func T(lang, key string) string {
	if m, ok := supported[lang]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := supported["en"][key]; ok {
		return v
	}
	return key
}

// Tf formats the message under key with args.
func Tf(lang, key string, args ...any) string {
	return fmt.Sprintf(T(lang, key), args...)
}

// Lang maps a Telegram language_code such as "en-GB" to a supported
// language, defaulting to English.
func Lang(code string) string {
	code = normalize(code)
	if _, ok := supported[code]; ok {
		return code
	}
	return "en"
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 2 {
		s = s[:2]
	}
	return s
}
