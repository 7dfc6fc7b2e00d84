// Package prompt turns a playground task label and free text into the prompt
// sent to the completion API.
package prompt

import "strings"

// Task selects a prompt template.
type Task int

const (
	// TaskUnknown covers every label without a template, including the
	// empty label. Its prompt is the input unchanged.
	TaskUnknown Task = iota
	TaskSummarize
	TaskExplainCode
	TaskCreativeWriting
)

var labels = map[string]Task{
	"summarize":        TaskSummarize,
	"explain-code":     TaskExplainCode,
	"creative-writing": TaskCreativeWriting,
}

// ParseTask maps a client-supplied label to a Task. Labels are matched
// exactly; anything unrecognised is TaskUnknown.
func ParseTask(label string) Task {
	if t, ok := labels[label]; ok {
		return t
	}
	return TaskUnknown
}

func (t Task) String() string {
	switch t {
	case TaskSummarize:
		return "summarize"
	case TaskExplainCode:
		return "explain-code"
	case TaskCreativeWriting:
		return "creative-writing"
	default:
		return "unknown"
	}
}

const (
	summarizePrefix       = "Please provide a clear and concise summary of the following text:\n\n"
	creativeWritingPrefix = "Please help with the following creative writing task:\n\n"

	explainCodeTemplate = `Explain the coding problem: {input} in a highly structured, beginner-friendly, and visually enriched manner.
        🔥 Format your response strictly as follows:
        1️⃣ Problem Statement 🎯 → Explain the problem in simple terms with clear input/output examples.
        2️⃣ Understanding the Core Concept 💡 → Break down the key ideas/concepts needed to solve the problem. Use small examples to build intuition.
        4️⃣ Well-Commented Code 💻 → Provide a fully explained code solution in [java]. Ensure:
        Proper indentation & readability
        5️⃣ Dry Run Table 📊 → Show how the algorithm works step-by-step using a table format with relevant columns.
        6️⃣ Edge Cases 🛑 → Cover tricky cases that may cause bugs or incorrect results.
        7️⃣ Complexity Analysis ⏳ → Clearly explain the time (O(?)) and space (O(?)) complexity.
        8️⃣ Key Takeaways 📌 → Summarize the most important learning points for easy revision.
        🎨 Ensure the explanation is clean, structured, and engaging. Use bold text, bullet points, and emojis to enhance clarity!`
)

// Format builds the prompt for task. It is deterministic and has no side
// effects.
func Format(task Task, input string) string {
	switch task {
	case TaskSummarize:
		return summarizePrefix + input
	case TaskExplainCode:
		// Replace only the first placeholder so input containing "{input}"
		// is not expanded again.
		return strings.Replace(explainCodeTemplate, "{input}", input, 1)
	case TaskCreativeWriting:
		return creativeWritingPrefix + input
	default:
		return input
	}
}

// FormatPrompt is Format(ParseTask(label), input).
func FormatPrompt(label, input string) string {
	return Format(ParseTask(label), input)
}
