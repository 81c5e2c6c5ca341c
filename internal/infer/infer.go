// Package infer holds the behavioral heuristics: campaign attribution,
// privilege inference, and credential risk scoring. All of them are keyword
// matches over untrusted text; none of them ever fail.
package infer

import "strings"

// Campaign attributes an attacker to a known campaign from the decoy names
// and action text observed at creation time. The label is assigned once and
// kept for the attacker's lifetime.
func Campaign(actionHints []string) string {
	joined := strings.ToLower(strings.Join(actionHints, " "))
	switch {
	case strings.Contains(joined, "mimikatz") || strings.Contains(joined, "lsass"):
		return "Shadow Hydra"
	case strings.Contains(joined, "ransomware") || strings.Contains(joined, "encrypt"):
		return "CryptoLock"
	case strings.Contains(joined, "apt") || strings.Contains(joined, "nation"):
		return "Silent Tiger"
	default:
		return "Opportunistic"
	}
}

// Privilege infers the attacker's privilege level from its location
// register. Last writer wins: each call overwrites the previous inference.
func Privilege(location string) string {
	loc := strings.ToLower(location)
	switch {
	case strings.Contains(loc, "admin") || strings.Contains(loc, "root") || strings.Contains(loc, "system"):
		return "Admin"
	case strings.Contains(loc, "db") || strings.Contains(loc, "sql"):
		return "DB Admin"
	default:
		return "User"
	}
}

// CredentialRisk scores a stolen credential from 0-100: privileged usernames
// and weak passwords raise it above the base of 50.
func CredentialRisk(username, password string) int {
	score := 50
	if strings.Contains(username, "admin") {
		score += 20
	}
	if strings.Contains(username, "root") {
		score += 25
	}
	if len(password) < 8 {
		score += 15
	}
	if strings.Contains(strings.ToLower(password), "password") {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Method infers the lateral-movement transport from the action text,
// checked in fixed precedence order.
func Method(action string) string {
	lower := strings.ToLower(action)
	switch {
	case strings.Contains(lower, "ssh"):
		return "SSH"
	case strings.Contains(lower, "rdp"):
		return "RDP"
	case strings.Contains(lower, "smb"):
		return "SMB"
	case strings.Contains(lower, "winrm"):
		return "WinRM"
	case strings.Contains(lower, "wmi"):
		return "WMI"
	case strings.Contains(lower, "psexec"):
		return "PSExec"
	default:
		return "Other"
	}
}
