package sandbox

import (
	"fmt"
	"strings"
)

// Language identifies a supported runtime.
type Language string

// Language constants
const (
	LanguagePython Language = "python"
	LanguageJava   Language = "java"
	LanguageKotlin Language = "kotlin"
	LanguageGo     Language = "go"
	LanguageNodeJS Language = "nodejs"
	LanguageCPP    Language = "cpp"
)

// SupportedLanguages returns the closed set of runtimes in a stable order.
func SupportedLanguages() []Language {
	return []Language{LanguagePython, LanguageJava, LanguageKotlin, LanguageGo, LanguageNodeJS, LanguageCPP}
}

// ParseLanguage converts a user supplied name into a Language.
func ParseLanguage(name string) (Language, error) {
	lang := Language(strings.ToLower(strings.TrimSpace(name)))
	for _, l := range SupportedLanguages() {
		if l == lang {
			return lang, nil
		}
	}
	return "", fmt.Errorf("%q: %w", name, ErrUnsupportedLanguage)
}

// Runner holds the default commands for a language. Callers that do not
// supply their own command pick one of these.
type Runner struct {
	Language  Language
	EntryFile string
	build     []string
	test      []string
	run       []string
	// runWithMain is a shell template where %s is replaced by the quoted main class.
	runWithMain string
}

const gradleWrapper = "chmod +x gradlew && ./gradlew"

var runners = map[Language]Runner{
	LanguagePython: {
		Language:  LanguagePython,
		EntryFile: "main.py",
		build:     []string{"python", "-m", "py_compile", "main.py"},
		test:      []string{"python", "-m", "unittest", "discover", "-v"},
		run:       []string{"python", "main.py"},
	},
	LanguageJava: {
		Language:    LanguageJava,
		EntryFile:   "src/main/java/Main.java",
		build:       []string{"sh", "-c", gradleWrapper + " build --no-daemon"},
		test:        []string{"sh", "-c", gradleWrapper + " test --no-daemon"},
		run:         []string{"sh", "-c", gradleWrapper + " run --no-daemon"},
		runWithMain: gradleWrapper + " run --no-daemon --args=%s",
	},
	LanguageKotlin: {
		Language:    LanguageKotlin,
		EntryFile:   "src/main/kotlin/Main.kt",
		build:       []string{"sh", "-c", gradleWrapper + " build --no-daemon"},
		test:        []string{"sh", "-c", gradleWrapper + " test --no-daemon"},
		run:         []string{"sh", "-c", gradleWrapper + " run --no-daemon"},
		runWithMain: gradleWrapper + " run --no-daemon --args=%s",
	},
	LanguageGo: {
		Language:  LanguageGo,
		EntryFile: "main.go",
		build:     []string{"go", "build", "-o", "app", "."},
		test:      []string{"go", "test", "./..."},
		run:       []string{"go", "run", "."},
	},
	LanguageNodeJS: {
		Language:  LanguageNodeJS,
		EntryFile: "index.js",
		build:     []string{"node", "--check", "index.js"},
		test:      []string{"node", "--test"},
		run:       []string{"node", "index.js"},
	},
	LanguageCPP: {
		Language:  LanguageCPP,
		EntryFile: "main.cpp",
		build:     []string{"g++", "-std=c++17", "-O2", "-o", "app", "main.cpp"},
		test:      []string{"sh", "-c", "g++ -std=c++17 -O2 -o app_test test.cpp && ./app_test"},
		run:       []string{"sh", "-c", "g++ -std=c++17 -O2 -o app main.cpp && ./app"},
	},
}

// RunnerFor returns the default runner for a language.
func RunnerFor(language Language) (Runner, error) {
	r, ok := runners[language]
	if !ok {
		return Runner{}, fmt.Errorf("%q: %w", language, ErrUnsupportedLanguage)
	}
	return r, nil
}

// BuildCommand returns the command that compiles or checks the sources.
func (r Runner) BuildCommand() []string { return clone(r.build) }

// TestCommand returns the command that runs the project's tests.
func (r Runner) TestCommand() []string { return clone(r.test) }

// RunCommand returns the command that runs the program. mainClass is only
// honoured by the JVM runners and is passed as a single quoted shell word.
func (r Runner) RunCommand(mainClass string) []string {
	if mainClass == "" || r.runWithMain == "" {
		return clone(r.run)
	}
	return []string{"sh", "-c", fmt.Sprintf(r.runWithMain, shellQuote(mainClass))}
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
