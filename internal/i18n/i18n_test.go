package i18n

import (
	"context"
	"strings"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NoAnswerSheet")
	if got != "No answer sheet has been uploaded for this student" {
		t.Errorf("T(NoAnswerSheet) = %q", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "NoAnswerSheet")
	if got != "Лист ответов для этого ученика не загружен" {
		t.Errorf("T(NoAnswerSheet) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "EvalRetry", map[string]any{"Attempt": 1, "Delay": "5s"})
	if got != "Attempt 1 failed, retrying in 5s..." {
		t.Errorf("Td(EvalRetry) = %q", got)
	}

	got = Td(ctx, "EvalCompleted", map[string]any{"Awarded": 9.0, "Possible": 10.0})
	if !strings.Contains(got, "9") || !strings.Contains(got, "10") {
		t.Errorf("Td(EvalCompleted) = %q", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "PagesConverted", 1); got != "Converted 1 page." {
		t.Errorf("Tp(PagesConverted, 1) = %q", got)
	}
	if got := Tp(ctx, "PagesConverted", 5); got != "Converted 5 pages." {
		t.Errorf("Tp(PagesConverted, 5) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q", got)
	}
}
