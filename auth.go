package main

import (
	"errors"
	"fmt"
	"time"
)

type AuthState int

const (
	AuthUnknown AuthState = iota
	AuthLocationUnset
	AuthLoggedOut
	AuthLoggedIn
)

func (s AuthState) String() string {
	switch s {
	case AuthLocationUnset:
		return "location-unset"
	case AuthLoggedOut:
		return "logged-out"
	case AuthLoggedIn:
		return "logged-in"
	default:
		return "unknown"
	}
}

// AuthFlow drives the session from whatever state the landing page is in to
// logged-in: LocationUnset → LoggedOut → LoggedIn. Classification probes page
// affordances in priority order; transitions are confirmed by waiting for the
// next state's affordance.
type AuthFlow struct {
	drv    PageDriver
	cfg    *Config
	store  SessionStore
	prompt Prompter
}

func NewAuthFlow(drv PageDriver, cfg *Config, store SessionStore, prompt Prompter) *AuthFlow {
	return &AuthFlow{drv: drv, cfg: cfg, store: store, prompt: prompt}
}

// EnsureLoggedIn restores a persisted session when one exists, navigates to
// the landing page and walks the state machine to LoggedIn. A session that
// lands directly in LoggedIn skips login entirely; a session reached through
// a transition is persisted for the next run.
func (a *AuthFlow) EnsureLoggedIn() error {
	restored := false
	blob, err := a.store.Load()
	switch {
	case err == nil:
		if rerr := a.drv.RestoreSession(blob); rerr != nil {
			fmt.Printf("⚠️  Saved session could not be restored: %v\n", rerr)
		} else {
			restored = true
			a.debugLog("restored persisted session")
		}
	case errors.Is(err, ErrNoSession):
		a.debugLog("no persisted session")
	default:
		fmt.Printf("⚠️  Failed to load saved session: %v\n", err)
	}

	fmt.Println("🌍 Opening site...")
	if err := a.drv.Navigate(a.cfg.BaseURL); err != nil {
		return &FatalSessionFailure{Stage: "navigation", Err: err}
	}

	state, err := a.Classify()
	if err != nil {
		return err
	}
	a.debugLog("initial state: %s", state)

	if state == AuthLoggedIn {
		if restored {
			fmt.Println("✓ Already logged in via saved session")
		}
		return nil
	}

	if state == AuthLocationUnset {
		if err := a.setLocation(); err != nil {
			return err
		}
		state, err = a.Classify()
		if err != nil {
			return err
		}
		a.debugLog("state after location: %s", state)
	}

	if state == AuthLoggedOut {
		if err := a.login(); err != nil {
			return err
		}
	}

	return a.persistSession()
}

// Classify probes for the affordance identifying each state, in priority
// order, inside one bounded polling loop. Exactly one state should hold; none
// appearing within the bound is fatal.
func (a *AuthFlow) Classify() (AuthState, error) {
	sel := a.cfg.Selectors
	timeout := a.seconds(a.cfg.ClassifyTimeout)
	deadline := time.Now().Add(timeout)

	for {
		if has, _ := a.drv.Has(sel.LocationInput); has {
			return AuthLocationUnset, nil
		}
		if has, _ := a.drv.Has(sel.LoginButton); has {
			return AuthLoggedOut, nil
		}
		if has, _ := a.drv.Has(sel.AccountAffordance); has {
			return AuthLoggedIn, nil
		}

		if time.Now().After(deadline) {
			return AuthUnknown, &FatalSessionFailure{
				Stage: "classification",
				Err:   &StructuralTimeout{What: "any known page state", Timeout: timeout},
			}
		}
		time.Sleep(300 * time.Millisecond)
	}
}

func (a *AuthFlow) setLocation() error {
	sel := a.cfg.Selectors
	fmt.Printf("📍 Setting delivery location to %q...\n", a.cfg.Location)

	// Optional app-install banner; failure to dismiss is irrelevant.
	if has, _ := a.drv.Has(sel.AppInstallDismiss); has {
		if err := a.drv.Click(sel.AppInstallDismiss, a.seconds(a.cfg.DismissTimeout)); err != nil {
			a.debugLog("app install banner not dismissed: %v", err)
		}
	}

	timeout := a.seconds(a.cfg.AffordanceTimeout)

	if err := a.drv.Input(sel.LocationInput, a.cfg.Location, timeout); err != nil {
		return &FatalSessionFailure{Stage: "location entry", Err: err}
	}
	if _, err := a.drv.WaitVisible(sel.LocationSuggestion, timeout); err != nil {
		return &FatalSessionFailure{Stage: "location suggestions", Err: err}
	}

	suggestions, err := a.drv.Elements(sel.LocationSuggestion)
	if err != nil || len(suggestions) == 0 {
		return &FatalSessionFailure{Stage: "location suggestions", Err: fmt.Errorf("no suggestions rendered: %v", err)}
	}
	if err := suggestions[0].Click(); err != nil {
		return &FatalSessionFailure{Stage: "location selection", Err: err}
	}

	// The transition landed once the login affordance shows up.
	if _, err := a.drv.WaitVisible(sel.LoginButton, timeout); err != nil {
		return &FatalSessionFailure{Stage: "location confirmation", Err: err}
	}

	fmt.Println("✓ Location set")
	return nil
}

func (a *AuthFlow) login() error {
	sel := a.cfg.Selectors
	timeout := a.seconds(a.cfg.AffordanceTimeout)

	fmt.Println("🔐 Login required")

	if err := a.drv.Click(sel.LoginButton, timeout); err != nil {
		return &FatalSessionFailure{Stage: "login open", Err: err}
	}
	if _, err := a.drv.WaitVisible(sel.PhoneInput, timeout); err != nil {
		return &FatalSessionFailure{Stage: "phone entry", Err: err}
	}

	phone, err := AskPhone(a.prompt)
	if err != nil {
		return err
	}
	if err := a.drv.Input(sel.PhoneInput, phone, timeout); err != nil {
		return &FatalSessionFailure{Stage: "phone entry", Err: err}
	}
	if err := a.drv.Click(sel.PhoneContinue, timeout); err != nil {
		return &FatalSessionFailure{Stage: "phone submit", Err: err}
	}
	if _, err := a.drv.WaitVisible(sel.OTPInput, timeout); err != nil {
		return &FatalSessionFailure{Stage: "otp entry", Err: err}
	}

	return a.verifyOTP()
}

// verifyOTP runs the bounded OTP attempt loop. Terminal states: success,
// attempts exhausted, resend unavailable, or operator declined resend.
func (a *AuthFlow) verifyOTP() error {
	sel := a.cfg.Selectors
	timeout := a.seconds(a.cfg.AffordanceTimeout)
	keyDelay := time.Duration(a.cfg.OTPKeyDelayMs) * time.Millisecond

	for attempt := 1; attempt <= a.cfg.MaxOTPAttempts; attempt++ {
		otp, err := AskOTP(a.prompt)
		if err != nil {
			return err
		}

		// The OTP boxes auto-advance focus per digit; a bulk value write gets
		// swallowed, so the digits go through the keyboard one at a time.
		if err := a.drv.Click(sel.OTPInput, timeout); err != nil {
			a.debugLog("could not focus OTP input: %v", err)
		}
		if err := a.drv.TypeKeys(otp, keyDelay); err != nil {
			return &FatalSessionFailure{Stage: "otp entry", Err: err}
		}

		if _, err := a.drv.WaitVisible(sel.AccountAffordance, timeout); err == nil {
			fmt.Println("✓ Login successful")
			return nil
		}

		fmt.Printf("⚠️  OTP not accepted (attempt %d of %d)\n", attempt, a.cfg.MaxOTPAttempts)

		if attempt == a.cfg.MaxOTPAttempts {
			break
		}

		has, _ := a.drv.Has(sel.OTPResend)
		if !has {
			return &FatalSessionFailure{Stage: "otp verification", Err: fmt.Errorf("otp rejected and no resend available")}
		}

		resend, err := a.prompt.Confirm("Resend OTP and retry?")
		if err != nil {
			return err
		}
		if !resend {
			return &FatalSessionFailure{Stage: "otp verification", Err: fmt.Errorf("operator declined resend")}
		}

		if err := a.drv.Click(sel.OTPResend, a.seconds(a.cfg.DismissTimeout)); err != nil {
			a.debugLog("resend click failed: %v", err)
		}
		if err := a.drv.ClearInput(sel.OTPInput, timeout); err != nil {
			a.debugLog("otp field clear failed: %v", err)
		}
	}

	return &FatalSessionFailure{
		Stage: "otp verification",
		Err:   fmt.Errorf("exhausted %d OTP attempts", a.cfg.MaxOTPAttempts),
	}
}

func (a *AuthFlow) persistSession() error {
	blob, err := a.drv.SessionBlob()
	if err != nil {
		fmt.Printf("⚠️  Could not snapshot session: %v\n", err)
		return nil
	}
	if err := a.store.Save(blob); err != nil {
		fmt.Printf("⚠️  Could not persist session: %v\n", err)
		return nil
	}
	a.debugLog("session persisted")
	return nil
}

func (a *AuthFlow) seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (a *AuthFlow) debugLog(format string, args ...interface{}) {
	if a.cfg.DebugMode {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}
