package achievement

import "fmt"

// ValidateCatalog rejects duplicate ids and conditions that can never be evaluated.
func ValidateCatalog(catalog []Achievement) error {
	seen := make(map[string]bool, len(catalog))
	for i, a := range catalog {
		if a.ID == "" {
			return fmt.Errorf("achievement %d: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate achievement id %s", a.ID)
		}
		seen[a.ID] = true
		if a.Points < 0 {
			return fmt.Errorf("achievement %s: points must be >= 0", a.ID)
		}
		switch a.Rarity {
		case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		default:
			return fmt.Errorf("achievement %s: unknown rarity %q", a.ID, a.Rarity)
		}
		c := a.Condition
		switch c.Type {
		case ConditionCount, ConditionStreak, ConditionAccuracy, ConditionSpeed, ConditionScore:
			if c.Target <= 0 {
				return fmt.Errorf("achievement %s: target must be positive", a.ID)
			}
			if c.Type == ConditionAccuracy && c.Target > 1 {
				return fmt.Errorf("achievement %s: accuracy target must be within (0,1]", a.ID)
			}
			if c.Special != nil {
				return fmt.Errorf("achievement %s: special parameters on a %s condition", a.ID, c.Type)
			}
		case ConditionSpecial:
			if err := c.Special.validate(); err != nil {
				return fmt.Errorf("achievement %s: %w", a.ID, err)
			}
		default:
			return fmt.Errorf("achievement %s: unknown condition type %q", a.ID, c.Type)
		}
	}
	return nil
}

// DefaultCatalog is the built-in achievement table.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{ID: "first_steps", Title: "First Steps", Description: "Finish your first game.", Category: "training", Rarity: RarityCommon, Points: 10,
			Condition: Condition{Type: ConditionCount, Target: 1}},
		{ID: "dedicated", Title: "Dedicated", Description: "Finish 50 games.", Category: "training", Rarity: RarityRare, Points: 50,
			Condition: Condition{Type: ConditionCount, Target: 50}},
		{ID: "memory_regular", Title: "Memory Regular", Description: "Finish 25 memory games.", Category: "training", Rarity: RarityRare, Points: 40,
			Condition: Condition{Type: ConditionCount, Target: 25, GameID: "memory"}},
		{ID: "week_streak", Title: "On a Roll", Description: "Train 7 days in a row.", Category: "streak", Rarity: RarityRare, Points: 50,
			Condition: Condition{Type: ConditionStreak, Target: 7}},
		{ID: "month_streak", Title: "Unstoppable", Description: "Train 30 days in a row.", Category: "streak", Rarity: RarityLegendary, Points: 300,
			Condition: Condition{Type: ConditionStreak, Target: 30}},
		{ID: "sharp_eye", Title: "Sharp Eye", Description: "Reach 90% accuracy in a matching game.", Category: "mastery", Rarity: RarityEpic, Points: 80,
			Condition: Condition{Type: ConditionAccuracy, Target: 0.9, GameID: "matching"}},
		{ID: "lightning", Title: "Lightning Reflexes", Description: "Average under 500ms in a reaction game.", Category: "mastery", Rarity: RarityEpic, Points: 80,
			Condition: Condition{Type: ConditionSpeed, Target: 500, GameID: "reaction"}},
		{ID: "high_scorer", Title: "High Scorer", Description: "Score 1000 points in one game.", Category: "mastery", Rarity: RarityRare, Points: 60,
			Condition: Condition{Type: ConditionScore, Target: 1000}},
		{ID: "night_owl", Title: "Night Owl", Description: "Finish a game between 22:00 and 02:00.", Category: "special", Rarity: RarityRare, Points: 30,
			Condition: Condition{Type: ConditionSpecial, Special: &Special{TimeWindow: &TimeWindow{StartHour: 22, EndHour: 2}}}},
		{ID: "early_bird", Title: "Early Bird", Description: "Finish a game between 05:00 and 08:00.", Category: "special", Rarity: RarityRare, Points: 30,
			Condition: Condition{Type: ConditionSpecial, Special: &Special{TimeWindow: &TimeWindow{StartHour: 5, EndHour: 8}}}},
		{ID: "big_grid", Title: "Big Picture", Description: "Finish a memory game on a 6x6 grid or larger.", Category: "special", Rarity: RarityEpic, Points: 70,
			Condition: Condition{Type: ConditionSpecial, GameID: "memory", Special: &Special{GridSize: &GridSize{MinSize: 6}}}},
		{ID: "top_ten", Title: "Top Ten", Description: "Reach the top 10 of a leaderboard.", Category: "social", Rarity: RarityLegendary, Points: 150,
			Condition: Condition{Type: ConditionSpecial, Special: &Special{LeaderboardRank: &LeaderboardRank{MaxRank: 10}}}},
	}
}
