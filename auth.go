package dxeimage

import "github.com/uefi-go/dxeimage/protocols"

// AuthenticationResult is the outcome authenticate_image produces: a status
// that is propagated to the caller but never blocks the load itself.
type AuthenticationResult struct {
	Status error
}

// AuthenticateImage runs the Security2/Security decision table exactly as
// authenticate_image does: Security2 is consulted whenever present; Security
// is additionally (or solely) consulted per the rules below. Absence of
// either protocol is not an error; their absence degrades to unconditional
// success, matching a platform that has not installed the security arch
// protocols at all.
func AuthenticateImage(c *protocols.Collaborators, devicePath []byte, image []byte, bootPolicy bool, fromFV bool, authenticationStatus uint32) AuthenticationResult {
	if c == nil {
		return AuthenticationResult{}
	}

	sec2 := c.Security2
	sec := c.Security

	switch {
	case sec2 != nil:
		err := sec2.FileAuthentication(devicePath, image, bootPolicy)
		if err == nil && fromFV {
			if sec == nil {
				// Platforms document that Security Arch must be installed
				// whenever Security2 Arch is; this degrades gracefully
				// rather than panics, since this is a library, not a
				// firmware core.
				return AuthenticationResult{}
			}
			if serr := sec.FileAuthenticationState(authenticationStatus, devicePath); serr != nil {
				return AuthenticationResult{Status: wrapStatus(SecurityViolation, "Security arch rejected image", serr)}
			}
			return AuthenticationResult{}
		}
		if err != nil {
			return AuthenticationResult{Status: wrapStatus(SecurityViolation, "Security2 arch rejected image", err)}
		}
		return AuthenticationResult{}

	case sec != nil:
		if err := sec.FileAuthenticationState(authenticationStatus, devicePath); err != nil {
			return AuthenticationResult{Status: wrapStatus(SecurityViolation, "Security arch rejected image", err)}
		}
		return AuthenticationResult{}

	default:
		return AuthenticationResult{}
	}
}
