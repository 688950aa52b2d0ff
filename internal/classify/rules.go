package classify

// Severity tables are evaluated most specific first; the first table with a
// hit decides the severity.
var (
	criticalKeywords = []string{
		"critical", "zero-day", "zero day", "0-day", "0day",
		"actively exploited", "active exploitation", "exploited in the wild", "in the wild",
		"remote code execution", "rce", "unauthenticated remote",
		"wormable", "emergency directive", "emergency patch", "out-of-band",
	}
	highKeywords = []string{
		"high severity", "high-severity", "severe",
		"exploit", "exploits", "exploitation", "exploited",
		"ransomware", "data breach", "breach", "backdoor", "backdoored",
		"privilege escalation", "authentication bypass", "auth bypass",
		"arbitrary code", "compromised", "supply chain attack",
	}
	mediumKeywords = []string{
		"advisory", "vulnerability", "vulnerabilities", "security update", "security updates",
		"patch", "patches", "patched", "malware", "phishing", "cve",
		"denial of service", "xss", "cross-site scripting", "sql injection", "misconfiguration",
	}
	lowKeywords = []string{
		"guidance", "best practice", "best practices", "awareness", "recommendation",
		"recommendations", "tips", "webinar", "report", "survey", "overview",
	}
)

// typeRule is one threat type and the keywords that identify it.
type typeRule struct {
	Type     ThreatType
	Keywords []string
}

// Threat types are evaluated in this order; the first hit wins.
var typeRules = []typeRule{
	{ThreatRansomware, []string{
		"ransomware", "ransom", "extortion", "encryptor", "lockbit", "blackcat", "alphv", "clop", "akira",
	}},
	{ThreatAPT, []string{
		"apt", "advanced persistent threat", "nation-state", "nation state", "state-sponsored",
		"state sponsored", "threat actor", "espionage", "lazarus", "volt typhoon",
	}},
	{ThreatDataBreach, []string{
		"data breach", "breach", "data leak", "leaked", "exposed records", "stolen data",
		"exfiltration", "exfiltrated",
	}},
	{ThreatPhishing, []string{
		"phishing", "spear-phishing", "spearphishing", "credential harvesting", "smishing",
		"vishing", "business email compromise", "bec",
	}},
	{ThreatMalware, []string{
		"malware", "trojan", "botnet", "backdoor", "infostealer", "stealer", "loader",
		"worm", "worms", "spyware", "rootkit", "remote access trojan", "dropper",
	}},
	{ThreatDDoS, []string{
		"ddos", "distributed denial of service", "denial of service", "denial-of-service",
	}},
	{ThreatVulnerability, []string{
		"vulnerability", "vulnerabilities", "cve", "rce", "remote code execution", "zero-day",
		"zero day", "patch", "security update", "exploit", "privilege escalation",
		"buffer overflow", "sql injection", "xss", "authentication bypass",
	}},
}

var (
	authoritativeKeywords = []string{
		"cisa", "us-cert", "cert", "nist", "nvd", "ncsc", "enisa", "msrc", "fbi", "nsa",
		"official advisory", "security advisory", "vendor advisory", "security bulletin",
	}
	technicalKeywords = []string{
		"cve", "cvss", "proof of concept", "proof-of-concept", "poc", "ioc", "iocs",
		"indicator of compromise", "indicators of compromise", "sha256", "sha-256", "md5",
		"hash", "hashes", "payload", "mitre", "ttp", "ttps", "yara", "sigma", "c2", "command and control",
	}
)

// Confidence weights.
const (
	confidenceBase          = 50
	confidenceTyped         = 20
	confidenceSevere        = 15
	confidenceAuthoritative = 15
	confidenceTechnical     = 10
	confidenceMax           = 100
)
