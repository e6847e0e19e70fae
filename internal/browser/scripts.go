package browser

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-rod/rod/lib/proto"
)

// findVideo locates the best media element in the page or any same-origin
// iframe, preferring one that has loaded data.
const findVideo = `
	const findVideo = () => {
		const docs = [document];
		for (const f of document.querySelectorAll('iframe')) {
			try { if (f.contentDocument) docs.push(f.contentDocument); } catch (e) {}
		}
		let fallback = null;
		for (const d of docs) {
			for (const v of d.querySelectorAll('video')) {
				if (v.readyState > 0) return v;
				if (!fallback) fallback = v;
			}
		}
		return fallback;
	};
	const videoState = (v) => v ? {
		found: true, paused: v.paused, ended: v.ended, muted: v.muted,
		readyState: v.readyState, currentTime: v.currentTime,
	} : {found: false};
`

const probeJS = `() => {` + findVideo + `
	return videoState(findVideo());
}`

// playJS clicks known play and consent overlays, then starts playback
// unmuted. Selectors are passed as the first argument.
const playJS = `async (selectors) => {` + findVideo + `
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (el && el.offsetParent !== null) { try { el.click(); } catch (e) {} }
	}
	const v = findVideo();
	if (!v) return {state: videoState(null)};
	v.muted = false;
	if (v.volume === 0) v.volume = 1;
	try {
		await v.play();
	} catch (e) {
		return {state: videoState(v), error: String(e)};
	}
	return {state: videoState(v)};
}`

const resumeJS = `async () => {` + findVideo + `
	const v = findVideo();
	if (!v) return {state: videoState(null)};
	try {
		await v.play();
	} catch (e) {
		return {state: videoState(v), error: String(e)};
	}
	return {state: videoState(v)};
}`

const fullScreenJS = `async () => {` + findVideo + `
	const v = findVideo();
	if (!v) return {state: videoState(null)};
	if (document.fullscreenElement) return {state: videoState(v)};
	try {
		await v.requestFullscreen();
	} catch (e) {
		return {state: videoState(v), error: String(e)};
	}
	return {state: videoState(v)};
}`

const haltJS = `() => {` + findVideo + `
	const docs = [document];
	for (const f of document.querySelectorAll('iframe')) {
		try { if (f.contentDocument) docs.push(f.contentDocument); } catch (e) {}
	}
	for (const d of docs) {
		for (const v of d.querySelectorAll('video, audio')) { try { v.pause(); } catch (e) {} }
	}
	if (document.fullscreenElement) document.exitFullscreen().catch(() => {});
	return videoState(findVideo());
}`

const readyStateJS = `() => document.readyState`

// PlaySelectors are clicked before starting playback; they cover common
// player overlays and cookie consent dialogs.
var PlaySelectors = []string{
	"#onetrust-accept-btn-handler",
	"button[aria-label='Accept all']",
	".fc-cta-consent",
	".ytp-large-play-button",
	".vjs-big-play-button",
	".jw-icon-display",
	"button[aria-label='Play']",
	"[data-testid='play-button']",
}

var errNoVideo = errors.New("no video element")

// actionResult is what the play, resume and fullscreen scripts return.
type actionResult struct {
	State VideoState `json:"state"`
	Error string     `json:"error"`
}

func (r actionResult) err() error {
	switch {
	case !r.State.Found:
		return errNoVideo
	case r.Error != "":
		return fmt.Errorf("page refused: %s", r.Error)
	default:
		return nil
	}
}

func decodeResult(res *proto.RuntimeRemoteObject, v any) error {
	if res == nil {
		return errors.New("empty evaluation result")
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal evaluation result: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode evaluation result: %w", err)
	}
	return nil
}
