package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
)

const inquiryRules = `TYPE: ASK
You must find a QUESTION being asked, or an ANSWER that proves the question was asked.

Good evidence for "Ask about the child's age":
- "Anaknya umur berapa?" (direct question)
- "Anaknya 8 tahun" (answer proves the question was asked)

Bad evidence:
- "Anak suka belajar" (no question about age)
- "Oke, baik" (acknowledgement only)
- "Nanti kita diskusi umur" (promise to discuss, not a discussion)`

const statementRules = `TYPE: EXPLAIN
You must find the tutor STATING or EXPLAINING something, not asking about it.

Good evidence for "Explain how the platform works":
- "Platform kami seperti game interaktif untuk belajar coding" (actual explanation)

Bad evidence:
- "Mau tau cara kerja platform?" (asking, not explaining)
- "Nanti saya jelaskan" (promise to explain)
- "Platform bagus" (opinion, not explanation)`

// ClassifyPrompt builds the first-pass prompt for item over window.
func ClassifyPrompt(item checklist.Item, window string) string {
	rules := inquiryRules
	if item.Kind == checklist.KindStatement {
		rules = statementRules
	}

	var b strings.Builder
	b.WriteString("You are a STRICT quality checker analyzing a sales call in Bahasa Indonesia.\n\n")
	fmt.Fprintf(&b, "TASK: Check whether the tutor did this (%s):\nAction: %q\n\n", item.Kind.Verb(), item.Description)
	if g := strings.TrimSpace(item.Guidance); g != "" {
		fmt.Fprintf(&b, "ADDITIONAL CONTEXT: %s\n\n", g)
	}
	fmt.Fprintf(&b, "Recent conversation:\n%s\n\n%s\n\n", window, rules)
	b.WriteString(`RULES:
1. Evidence must be a DIRECT QUOTE from the conversation.
2. Evidence must clearly show the action was done.
3. Acknowledgements like "oke", "baik", "ya", "okay", "understood" are never evidence.
4. Greetings ("selamat pagi", "halo") are never evidence unless the action is a greeting.
5. A promise to do something later ("nanti", "akan") is not completion.
6. If you are even slightly unsure, answer completed=false.

Return ONLY JSON:
{"completed": true|false, "confidence": 0.0-1.0, "evidence": "exact quote, empty if not completed", "reasoning": "why the quote does or does not prove the action"}
`)
	return b.String()
}

// ValidatePrompt builds the adversarial second-pass prompt.
func ValidatePrompt(item checklist.Item, evidence, rationale string) string {
	check := "The evidence must be a question about, or an answer proving a question about, the action topic."
	if item.Kind == checklist.KindStatement {
		check = "The evidence must be the tutor explaining the topic, not asking about it."
	}

	var b strings.Builder
	b.WriteString("You are validating another reviewer's claim about a sales call in Bahasa Indonesia.\n\n")
	fmt.Fprintf(&b, "ACTION (%s): %q\n\nPROVIDED EVIDENCE:\n%q\n\nORIGINAL REASONING:\n%q\n\n", item.Kind.Verb(), item.Description, evidence, rationale)
	fmt.Fprintf(&b, "%s\n\n", check)
	b.WriteString(`CHECKS:
1. Does the evidence contain real content, not just "oke", "ya", "baik"?
2. Does the evidence match the action topic semantically?
3. Is it specific enough to prove completion?
4. Does it match the action type (ask vs explain)?

Invalid: action "Ask about child's age", evidence "Oke, selamat datang" (no connection to age).
Valid: action "Identify parent concerns", evidence "Papa khawatir anak kurang fokus" (states a concern).

Be extremely strict. Any doubt means invalid.

Return ONLY JSON:
{"is_valid": true|false, "explanation": "specific reason"}
`)
	return b.String()
}

// ParseVerdict decodes a Classify reply.
func ParseVerdict(content string) (Verdict, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return Verdict{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		return Verdict{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResponse, v.Confidence)
	}
	return v, nil
}

// ParseValidation decodes a ValidateEvidence reply.
func ParseValidation(content string) (ValidationVerdict, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return ValidationVerdict{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	var v ValidationVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ValidationVerdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return v, nil
}

// ExtractCardPrompt asks for client card values found in window.
func ExtractCardPrompt(fields []checklist.CardField, window string) string {
	var b strings.Builder
	b.WriteString("You are analyzing a sales call in Bahasa Indonesia to extract client information.\n\n")
	fmt.Fprintf(&b, "Conversation:\n%s\n\nExtract information for these fields (only if clearly mentioned):\n", window)
	for _, f := range fields {
		fmt.Fprintf(&b, "- %s (%s)", f.ID, f.Label)
		if h := strings.TrimSpace(f.Hint); h != "" {
			fmt.Fprintf(&b, ": %s", h)
		}
		b.WriteString("\n")
	}
	b.WriteString(`
RULES:
1. Only extract what is explicitly said. If unsure, leave the field out.
2. Keep each value brief. Respond in English even though the call is Indonesian.
3. Evidence must be a DIRECT QUOTE that proves the value.
4. Greetings and acknowledgements are never evidence ("Oke, selamat datang, Seki" does not name the child).
5. Talk about the lesson is not client information ("Kita akan belajar coding hari ini" is not the parent's goal).
6. Never return placeholders such as "Tidak disebutkan", "Not mentioned", "Unknown", "-" or "N/A". Omit the field instead.

Good: {"child_name": {"value": "Andi", "evidence": "Nama anaknya Andi", "confidence": 0.95}}
Nothing found: {}

Return ONLY JSON keyed by field id:
{"field_id": {"value": "...", "evidence": "direct quote", "confidence": 0.0-1.0}}
`)
	return b.String()
}

// ValidateFieldPrompt builds the second-pass check for one extracted value.
func ValidateFieldPrompt(field checklist.CardField, value, evidence string) string {
	var b strings.Builder
	b.WriteString("You are a STRICT validator for client information extracted from a sales call in Bahasa Indonesia.\n\n")
	fmt.Fprintf(&b, "FIELD: %s\nEXTRACTED VALUE: %q\nPROVIDED EVIDENCE: %q\n\n", field.Label, value, evidence)
	b.WriteString(`CHECKS:
1. Is the evidence about the client (child or parent), not about the lesson?
2. Does the evidence state or strongly imply the value?
3. Is the evidence specific rather than generic conversation?

Valid: "Anaknya bernama Andi" for value "Andi". Valid: "Umurnya 10 tahun" for "10 years old".
Invalid: "Oke, selamat datang, Seki" for a name (greeting, not an introduction).
Invalid: "Papa awal tau" for a source (incomplete).

Reject on any doubt.

Return ONLY JSON:
{"is_valid": true|false, "explanation": "specific reason"}
`)
	return b.String()
}

// DetectStagePrompt asks which stage window belongs to.
func DetectStagePrompt(stages []checklist.Stage, window string, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString("You are analyzing a sales call in Bahasa Indonesia to determine the current stage.\n\n")
	secs := int(elapsed.Seconds())
	fmt.Fprintf(&b, "Call elapsed time: %d minutes %d seconds (reference only)\n\n", secs/60, secs%60)
	fmt.Fprintf(&b, "Recent conversation:\n%s\n\nAvailable stages:\n", window)
	for i, st := range stages {
		from := st.StartOffsetSeconds / 60
		to := (st.StartOffsetSeconds + st.DurationSeconds) / 60
		fmt.Fprintf(&b, "%d. %s (id %s, recommended %d-%d min)\n", i+1, st.Name, st.ID, from, to)
		for j, it := range st.Items {
			if j == 3 {
				fmt.Fprintf(&b, "   - ...and %d more\n", len(st.Items)-3)
				break
			}
			fmt.Fprintf(&b, "   - %s\n", it.Description)
		}
	}
	b.WriteString(`
Judge by WHAT is being discussed, not by elapsed time. When the call is between stages, pick the one that matches the current topic.

Return ONLY JSON:
{"stage_id": "one of the ids above", "confidence": 0.0-1.0, "reasoning": "brief explanation"}
`)
	return b.String()
}

// ParseCardExtraction decodes an ExtractClientCard reply. A field given as a
// bare string is kept with no evidence, so the field gates reject it.
func ParseCardExtraction(content string) (map[string]FieldClaim, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := make(map[string]FieldClaim, len(fields))
	for id, msg := range fields {
		var claim FieldClaim
		if err := json.Unmarshal(msg, &claim); err != nil {
			var bare string
			if json.Unmarshal(msg, &bare) != nil {
				continue
			}
			claim = FieldClaim{Value: bare, Confidence: 1}
		}
		if math.IsNaN(claim.Confidence) || claim.Confidence < 0 || claim.Confidence > 1 {
			continue
		}
		out[id] = claim
	}
	return out, nil
}

// ParseStageGuess decodes a DetectStage reply.
func ParseStageGuess(content string) (StageGuess, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return StageGuess{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	var g StageGuess
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return StageGuess{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if math.IsNaN(g.Confidence) || g.Confidence < 0 || g.Confidence > 1 {
		return StageGuess{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResponse, g.Confidence)
	}
	return g, nil
}
