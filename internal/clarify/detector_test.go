package clarify

import "testing"

func TestNeedsClarification(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain answer", "The function should return an error when the file is missing.", false},
		{"single question", "Done. Anything else?", false},
		{"hedge: not sure", "I'm not sure which file you mean.", true},
		{"hedge: i am not certain", "I am not certain this is the right section.", true},
		{"hedge: unclear", "It is unclear what the intended behavior is.", true},
		{"hedge: which one", "There are two introductions. Which one should I rewrite?", true},
		{"hedge: please clarify", "Please clarify the target audience.", true},
		{"hedge: ambiguous", "The request is ambiguous.", true},
		{"hedge: could you specify", "Could you specify the line range?", true},
		{"two questions", "Do you want a summary? Or a full rewrite?", true},
		{"russian: не уверен", "Я не уверен, какой раздел вы имеете в виду.", true},
		{"russian: не уверена", "Не уверена, что правильно поняла задачу.", true},
		{"russian: неясно", "Неясно, какой файл редактировать.", true},
		{"russian: уточните", "Уточните, пожалуйста, формат ответа.", true},
		{"russian: какой из", "Какой из вариантов использовать.", true},
		{"russian plain answer", "Раздел переписан в формальном тоне.", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsClarification(tt.text); got != tt.want {
				t.Errorf("NeedsClarification(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
