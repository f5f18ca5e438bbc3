package classify

// causeTable holds the canned remediation for each category.
var causeTable = map[Category][]ProbableCause{
	CategoryDuplicateSession: {
		{
			Title:       "Session already in use",
			Description: "Another client holds the session for this account and the server allows one session per user.",
			Steps: []string{
				"Sign out the other session or reconnect to take it over",
				"Ask an administrator to lift the single-session restriction",
			},
			Severity: SeverityMedium,
		},
		{
			Title:       "Stale disconnected session",
			Description: "A previous session was dropped but not yet logged off on the server.",
			Steps: []string{
				"Wait for the idle timeout or log the session off with qwinsta/logoff",
			},
			Severity: SeverityLow,
		},
	},
	CategoryNegotiationFailure: {
		{
			Title:       "Security protocol mismatch",
			Description: "The server refused every security protocol offered by the client.",
			Steps: []string{
				"Try the auto negotiation strategy",
				"Enable NLA when the server requires it",
				"Check the server's Security Layer group policy",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "Gateway or proxy interference",
			Description: "A middlebox altered the X.224 connection request.",
			Steps: []string{
				"Connect directly without the gateway to compare",
			},
			Severity: SeverityLow,
		},
	},
	CategoryCredSSPPostAuth: {
		{
			Title:       "Rejected after authentication",
			Description: "Credentials were accepted but the server closed the session afterwards.",
			Steps: []string{
				"Check that the account is in the Remote Desktop Users group",
				"Verify the server has free session and license capacity",
				"Review the account's logon hours and workstation restrictions",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "Restricted admin or remote credential guard",
			Description: "Server policy blocks delegated credentials for this account.",
			Steps: []string{
				"Disable restricted admin mode for this connection",
			},
			Severity: SeverityMedium,
		},
	},
	CategoryCredSSPOracle: {
		{
			Title:       "Encryption oracle remediation policy",
			Description: "Client and server disagree on the CredSSP patch level (CVE-2018-0886).",
			Steps: []string{
				"Install current updates on the server",
				"Temporarily set Encryption Oracle Remediation to Vulnerable on the client",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "CredSSP version mismatch",
			Description: "The server speaks an older TSRequest version than the client requested.",
			Steps: []string{
				"Lower the CredSSP version in the connection settings",
			},
			Severity: SeverityMedium,
		},
	},
	CategoryCredentials: {
		{
			Title:       "Invalid username or password",
			Description: "The server rejected the supplied credentials.",
			Steps: []string{
				"Re-enter the password",
				"Check the username format and domain",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "Account locked or expired",
			Description: "The account may be disabled, locked out or past its password expiry.",
			Steps: []string{
				"Sign in locally or via another service to check the account state",
				"Ask an administrator to unlock the account",
			},
			Severity: SeverityMedium,
		},
	},
	CategoryNetwork: {
		{
			Title:       "Host unreachable",
			Description: "No route to the host or the host is down.",
			Steps: []string{
				"Check that the host is running",
				"Run the network diagnostics for the target",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "Port blocked",
			Description: "A firewall drops or rejects the connection to the service port.",
			Steps: []string{
				"Open the port on host and network firewalls",
				"Confirm the service listens on the configured port",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "Name resolution failure",
			Description: "The hostname does not resolve from this machine.",
			Steps: []string{
				"Use the IP address directly",
				"Check the configured DNS servers",
			},
			Severity: SeverityMedium,
		},
	},
	CategoryTLS: {
		{
			Title:       "Untrusted or expired certificate",
			Description: "The server certificate failed validation.",
			Steps: []string{
				"Inspect the certificate and trust it if expected",
				"Renew the server certificate",
			},
			Severity: SeverityHigh,
		},
		{
			Title:       "TLS version or cipher mismatch",
			Description: "Client and server share no TLS version or cipher suite.",
			Steps: []string{
				"Allow TLS 1.0/1.1 for legacy servers",
				"Enable TLS 1.2 on the server",
			},
			Severity: SeverityMedium,
		},
	},
	CategoryUnknown: {
		{
			Title:       "Unrecognised error",
			Description: "The failure did not match a known pattern.",
			Steps: []string{
				"Run the deep diagnostics for the target",
				"Check the server event log",
			},
			Severity: SeverityLow,
		},
	},
}
