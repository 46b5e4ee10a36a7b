package attribution

// ProviderRange maps address prefixes to the provider that owns them.
type ProviderRange struct {
	Label    string
	Prefixes []string
}

// DefaultProviders lists well-known cloud and CDN ranges, keyed on the first two octets.
// Order matters: the first range containing an address wins.
var DefaultProviders = []ProviderRange{
	{Label: "Google Services", Prefixes: []string{"142.250.0.0/16", "142.251.0.0/16", "172.217.0.0/16", "216.58.0.0/16", "74.125.0.0/16"}},
	{Label: "Microsoft Services", Prefixes: []string{"13.107.0.0/16", "20.42.0.0/16", "40.126.0.0/16"}},
	{Label: "Cloudflare", Prefixes: []string{"104.18.0.0/16", "172.64.0.0/16"}},
	{Label: "Amazon Web Services", Prefixes: []string{
		"52.201.0.0/16", "52.202.0.0/16", "52.203.0.0/16", "52.204.0.0/16", "52.205.0.0/16",
		"54.236.0.0/16", "54.237.0.0/16", "54.238.0.0/16", "54.239.0.0/16", "54.240.0.0/16",
	}},
	{Label: "Akamai CDN", Prefixes: []string{"159.41.0.0/16"}},
	{Label: "Facebook Services", Prefixes: []string{"31.13.0.0/16", "66.220.0.0/16"}},
}

// cdnDomains host many unrelated services, so the bare suffix says little about
// what the user is actually talking to.
var cdnDomains = []string{
	"amazonaws.com", "cloudfront.net", "akamai.net", "fastly.com",
	"cloudflare.com", "maxcdn.com", "jsdelivr.net", "unpkg.com",
	"cdnjs.com", "googleapis.com", "gstatic.com", "googleusercontent.com",
	"linodeusercontent.com", "digitaloceanspaces.com", "azureedge.net",
}

// genericSubdomains carry no service identity when found in front of a CDN suffix.
var genericSubdomains = []string{"api", "www", "app", "service", "cdn", "static", "assets"}

var friendlyNames = map[string]string{
	// Social
	"facebook.com":  "Facebook",
	"instagram.com": "Instagram",
	"twitter.com":   "Twitter",
	"linkedin.com":  "LinkedIn",
	"tiktok.com":    "TikTok",
	"snapchat.com":  "Snapchat",

	// Video
	"youtube.com": "YouTube",
	"vimeo.com":   "Vimeo",
	"twitch.tv":   "Twitch",
	"netflix.com": "Netflix",
	"hulu.com":    "Hulu",
	"disney.com":  "Disney+",

	// Communication
	"zoom.us":             "Zoom",
	"teams.microsoft.com": "Microsoft Teams",
	"meet.google.com":     "Google Meet",
	"webex.com":           "Webex",
	"slack.com":           "Slack",
	"discord.com":         "Discord",
	"whatsapp.com":        "WhatsApp",
	"telegram.org":        "Telegram",

	// Productivity
	"office.com":        "Microsoft Office",
	"google.com":        "Google Services",
	"docs.google.com":   "Google Docs",
	"drive.google.com":  "Google Drive",
	"dropbox.com":       "Dropbox",
	"onedrive.live.com": "OneDrive",
	"notion.so":         "Notion",
	"trello.com":        "Trello",
	"asana.com":         "Asana",

	// Development
	"github.com":        "GitHub",
	"gitlab.com":        "GitLab",
	"bitbucket.org":     "Bitbucket",
	"stackoverflow.com": "Stack Overflow",
	"stackexchange.com": "Stack Exchange",
	"dev.to":            "Dev.to",
	"medium.com":        "Medium",

	// News
	"cnn.com":            "CNN",
	"bbc.com":            "BBC",
	"bbc.co.uk":          "BBC",
	"reuters.com":        "Reuters",
	"nytimes.com":        "New York Times",
	"washingtonpost.com": "Washington Post",
	"theguardian.com":    "The Guardian",
	"reddit.com":         "Reddit",

	// Commerce
	"amazon.com":  "Amazon",
	"ebay.com":    "eBay",
	"shopify.com": "Shopify",
	"paypal.com":  "PayPal",
	"stripe.com":  "Stripe",

	// Cloud
	"aws.amazon.com":      "Amazon Web Services",
	"azure.microsoft.com": "Microsoft Azure",
	"cloud.google.com":    "Google Cloud",
	"digitalocean.com":    "DigitalOcean",
	"linode.com":          "Linode",

	// Other
	"spotify.com":    "Spotify",
	"apple.com":      "Apple Services",
	"adobe.com":      "Adobe",
	"salesforce.com": "Salesforce",
	"hubspot.com":    "HubSpot",
	"mailchimp.com":  "Mailchimp",
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
