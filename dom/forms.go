package dom

import (
	"sort"
	"strings"
)

// Keyword tables for field-role detection. Matching is case-insensitive over
// name, id, placeholder and nearby label text.
var (
	usernameKeywords = []string{"email", "username", "user", "login", "account"}
	passwordKeywords = []string{"password", "passwd", "pwd"}
	submitTexts      = []string{"login", "log in", "sign in", "submit"}
)

// DetectForms groups field elements by their containing form (the "form"
// attribute assigned at capture) and classifies each field's semantic role.
// Elements outside any form are ignored. Form order follows the first
// appearance of each group in capture order.
func DetectForms(elems []Element) []Form {
	groups := make(map[string][]FormField)
	order := make(map[string]int)
	for i := range elems {
		e := &elems[i]
		key := e.Attrs["form"]
		if key == "" || !isFieldTag(e.Tag) {
			continue
		}
		if _, ok := order[key]; !ok {
			order[key] = len(order)
		}
		groups[key] = append(groups[key], FormField{
			ElementIndex:    e.Index,
			Role:            classifyField(e),
			Name:            e.Attrs["name"],
			Value:           e.Attrs["value"],
			ValidationState: validationState(e),
			Required:        e.Attrs["required"] != "",
		})
	}
	forms := make([]Form, len(order))
	for key, fields := range groups {
		valid := true
		for _, f := range fields {
			if f.ValidationState == "invalid" {
				valid = false
				break
			}
		}
		forms[order[key]] = Form{Index: order[key], Selector: key, Fields: fields, Valid: valid}
	}
	sort.Slice(forms, func(i, j int) bool { return forms[i].Index < forms[j].Index })
	return forms
}

// FindFormFields discovers login form slots. Resolution priority: explicit
// input types (email, password, submit), then keyword match on the element
// attributes, then submit-button text. Unresolved slots stay nil.
func FindFormFields(s *Snapshot) FormFieldHints {
	var hints FormFieldHints

	// Explicit types win.
	for i := range s.Elements {
		e := &s.Elements[i]
		if !usable(e) {
			continue
		}
		switch strings.ToLower(e.Attrs["type"]) {
		case "email":
			if hints.UsernameIndex == nil {
				hints.UsernameIndex = intPtr(e.Index)
			}
		case "password":
			if hints.PasswordIndex == nil {
				hints.PasswordIndex = intPtr(e.Index)
			}
		case "submit":
			if hints.SubmitIndex == nil {
				hints.SubmitIndex = intPtr(e.Index)
			}
		}
	}

	// Keyword match on attributes.
	for i := range s.Elements {
		e := &s.Elements[i]
		if !usable(e) || !isTextInput(e) {
			continue
		}
		if hints.UsernameIndex == nil && matchesKeyword(e, usernameKeywords) {
			hints.UsernameIndex = intPtr(e.Index)
		}
		if hints.PasswordIndex == nil && matchesKeyword(e, passwordKeywords) {
			hints.PasswordIndex = intPtr(e.Index)
		}
	}

	// Button text match for the submit slot.
	if hints.SubmitIndex == nil {
		for i := range s.Elements {
			e := &s.Elements[i]
			if !usable(e) || !isButton(e) {
				continue
			}
			text := strings.ToLower(strings.TrimSpace(e.Text))
			for _, t := range submitTexts {
				if strings.Contains(text, t) {
					hints.SubmitIndex = intPtr(e.Index)
					break
				}
			}
			if hints.SubmitIndex != nil {
				break
			}
		}
	}
	return hints
}

func classifyField(e *Element) FieldRole {
	switch strings.ToLower(e.Attrs["type"]) {
	case "password":
		return FieldRolePassword
	case "email":
		return FieldRoleEmail
	case "submit":
		return FieldRoleSubmit
	}
	if matchesKeyword(e, passwordKeywords) {
		return FieldRolePassword
	}
	if matchesKeyword(e, usernameKeywords) {
		return FieldRoleUsername
	}
	if isTextInput(e) {
		return FieldRoleText
	}
	return FieldRoleOther
}

func validationState(e *Element) string {
	switch e.Attrs["aria-invalid"] {
	case "true":
		return "invalid"
	case "false":
		return "valid"
	}
	return ""
}

func matchesKeyword(e *Element, keywords []string) bool {
	hay := strings.ToLower(e.Attrs["name"] + " " + e.Attrs["id"] + " " + e.Attrs["placeholder"] + " " + e.Attrs["aria-label"] + " " + e.Text)
	for _, k := range keywords {
		if strings.Contains(hay, k) {
			return true
		}
	}
	return false
}

func usable(e *Element) bool {
	return e.Visible && e.Enabled
}

func isFieldTag(tag string) bool {
	switch strings.ToLower(tag) {
	case "input", "textarea", "select", "button":
		return true
	}
	return false
}

func isTextInput(e *Element) bool {
	tag := strings.ToLower(e.Tag)
	if tag == "textarea" {
		return true
	}
	if tag != "input" {
		return false
	}
	switch strings.ToLower(e.Attrs["type"]) {
	case "", "text", "email", "password", "search", "tel", "url":
		return true
	}
	return false
}

func isButton(e *Element) bool {
	tag := strings.ToLower(e.Tag)
	if tag == "button" {
		return true
	}
	return tag == "input" && strings.ToLower(e.Attrs["type"]) == "button"
}

func intPtr(i int) *int { return &i }
