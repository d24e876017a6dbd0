// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xmpp

// IsFeatures reports whether el is a stream:features element.
func IsFeatures(el *Element) bool {
	return el.Type == Stanza && el.space == NSStream && el.Name.Local == "features"
}

// StartTLS reports whether the features offer STARTTLS and whether it is required.
func StartTLS(features *Element) (offered, required bool) {
	st := features.FindChild("starttls", NSTLS)
	if st == nil {
		return false, false
	}
	return true, st.FindChild("required", NSTLS) != nil
}

// IsProceed reports whether el is the server's STARTTLS proceed.
func IsProceed(el *Element) bool {
	return el.space == NSTLS && el.Name.Local == "proceed"
}

// IsTLSFailure reports whether el is the server's STARTTLS failure.
func IsTLSFailure(el *Element) bool {
	return el.space == NSTLS && el.Name.Local == "failure"
}

// IsStreamError reports whether el is a stream:error element.
func IsStreamError(el *Element) bool {
	return el.Type == Stanza && el.space == NSStream && el.Name.Local == "error"
}

// ErrorCondition returns the defined condition of a stream error.
func ErrorCondition(el *Element) string {
	for _, c := range el.Elements() {
		if c.space == NSStreams && c.Name.Local != "text" {
			return c.Name.Local
		}
	}
	return ""
}
