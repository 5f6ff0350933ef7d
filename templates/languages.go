package templates

// the language codes the provider accepts for message templates, note that these are
// not all valid BCP47 codes, e.g. fil
// see https://developers.facebook.com/docs/whatsapp/api/messages/message-templates/
var supportedLanguages = map[string]bool{
	"af":    true, // Afrikaans
	"sq":    true, // Albanian
	"ar":    true, // Arabic
	"az":    true, // Azerbaijani
	"bn":    true, // Bengali
	"bg":    true, // Bulgarian
	"ca":    true, // Catalan
	"zh_CN": true, // Chinese (CHN)
	"zh_HK": true, // Chinese (HKG)
	"zh_TW": true, // Chinese (TAI)
	"hr":    true, // Croatian
	"cs":    true, // Czech
	"da":    true, // Danish
	"nl":    true, // Dutch
	"en":    true, // English
	"en_GB": true, // English (UK)
	"en_US": true, // English (US)
	"et":    true, // Estonian
	"fil":   true, // Filipino
	"fi":    true, // Finnish
	"fr":    true, // French
	"ka":    true, // Georgian
	"de":    true, // German
	"el":    true, // Greek
	"gu":    true, // Gujarati
	"ha":    true, // Hausa
	"he":    true, // Hebrew
	"hi":    true, // Hindi
	"hu":    true, // Hungarian
	"id":    true, // Indonesian
	"ga":    true, // Irish
	"it":    true, // Italian
	"ja":    true, // Japanese
	"kn":    true, // Kannada
	"kk":    true, // Kazakh
	"rw_RW": true, // Kinyarwanda
	"ko":    true, // Korean
	"ky_KG": true, // Kyrgyz
	"lo":    true, // Lao
	"lv":    true, // Latvian
	"lt":    true, // Lithuanian
	"mk":    true, // Macedonian
	"ms":    true, // Malay
	"ml":    true, // Malayalam
	"mr":    true, // Marathi
	"nb":    true, // Norwegian
	"fa":    true, // Persian
	"pl":    true, // Polish
	"pt_BR": true, // Portuguese (BR)
	"pt_PT": true, // Portuguese (POR)
	"pa":    true, // Punjabi
	"ro":    true, // Romanian
	"ru":    true, // Russian
	"sr":    true, // Serbian
	"sk":    true, // Slovak
	"sl":    true, // Slovenian
	"es":    true, // Spanish
	"es_AR": true, // Spanish (ARG)
	"es_ES": true, // Spanish (SPA)
	"es_MX": true, // Spanish (MEX)
	"sw":    true, // Swahili
	"sv":    true, // Swedish
	"ta":    true, // Tamil
	"te":    true, // Telugu
	"th":    true, // Thai
	"tr":    true, // Turkish
	"uk":    true, // Ukrainian
	"ur":    true, // Urdu
	"uz":    true, // Uzbek
	"vi":    true, // Vietnamese
	"zu":    true, // Zulu
}

// IsSupportedLanguage returns whether the provider accepts the given template language code
func IsSupportedLanguage(code string) bool {
	return supportedLanguages[code]
}
