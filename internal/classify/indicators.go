package classify

import (
	"regexp"
	"strings"
)

// PlaceholderDomain is the documentation domain that is never reported as an
// indicator, along with its .org/.net siblings and their subdomains.
const PlaceholderDomain = "example.com"

var (
	ipv4Re   = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)
	domainRe = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)
	cveRe    = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	hashRe   = regexp.MustCompile(`\b[a-fA-F0-9]{32,64}\b`)
	urlRe    = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'\x60]+`)

	// refang undoes the common ways reports neuter indicators.
	refang = strings.NewReplacer(
		"[.]", ".", "(.)", ".", "{.}", ".", "[dot]", ".", "(dot)", ".",
		"hxxps://", "https://", "hxxp://", "http://", "hXXps://", "https://", "hXXp://", "http://",
		"[:]", ":", "[://]", "://",
	)

	placeholderDomains = []string{PlaceholderDomain, "example.org", "example.net"}

	// fileExtensions look like TLDs to domainRe but are file names in practice.
	fileExtensions = map[string]bool{
		"exe": true, "dll": true, "sys": true, "bin": true, "dat": true, "tmp": true, "log": true,
		"pdf": true, "doc": true, "docx": true, "docm": true, "xls": true, "xlsx": true, "xlsm": true,
		"ppt": true, "pptx": true, "rtf": true, "txt": true, "csv": true, "json": true, "xml": true,
		"zip": true, "rar": true, "7z": true, "gz": true, "tar": true, "iso": true, "img": true,
		"js": true, "vbs": true, "ps1": true, "bat": true, "cmd": true, "hta": true, "lnk": true,
		"jar": true, "py": true, "sh": true, "elf": true, "msi": true, "apk": true,
		"png": true, "jpg": true, "jpeg": true, "gif": true, "svg": true, "html": true, "htm": true,
		"php": true, "asp": true, "aspx": true, "jsp": true,
	}
)

// ExtractIndicators runs each indicator pattern independently over text.
func ExtractIndicators(text string) Indicators {
	text = refang.Replace(text)

	var ind Indicators
	ind.IPs = unique(ipv4Re.FindAllString(text, -1), nil)
	ind.Domains = unique(domainRe.FindAllString(text, -1), func(s string) (string, bool) {
		d := strings.ToLower(strings.TrimSuffix(s, "."))
		if isPlaceholder(d) {
			return "", false
		}
		if fileExtensions[d[strings.LastIndexByte(d, '.')+1:]] {
			return "", false
		}
		return d, true
	})
	ind.CVEs = unique(cveRe.FindAllString(text, -1), func(s string) (string, bool) {
		return strings.ToUpper(s), true
	})
	ind.Hashes = unique(hashRe.FindAllString(text, -1), func(s string) (string, bool) {
		return strings.ToLower(s), true
	})
	ind.URLs = unique(urlRe.FindAllString(text, -1), func(s string) (string, bool) {
		s = strings.TrimRight(s, ".,;:!?)]}")
		if len(s) <= len("https://") {
			return "", false
		}
		return s, true
	})
	return ind
}

func isPlaceholder(domain string) bool {
	for _, p := range placeholderDomains {
		if domain == p || strings.HasSuffix(domain, "."+p) {
			return true
		}
	}
	return false
}

// unique applies an optional normalize/keep function and removes duplicates,
// keeping first-seen order. It returns nil for no matches.
func unique(matches []string, fn func(string) (string, bool)) []string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if fn != nil {
			var keep bool
			if m, keep = fn(m); !keep {
				continue
			}
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
