package lore

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/errmodel"
)

type seedEntry struct {
	typ     EntryType
	title   string
	content string
	tags    []string
}

var defaultCatalog = []seedEntry{
	{
		TypeWorldRule,
		"Magic System",
		"Magic in this world is based on elemental forces. There are four primary elements: Fire, Water, Earth, and Air. Magic users can combine these elements to create powerful spells. Magic requires concentration and can be exhausting to use.",
		[]string{"magic", "elements", "spells", "concentration"},
	},
	{
		TypeWorldRule,
		"Combat System",
		"Combat is turn-based and tactical. Characters have health points (HP) and can use various weapons and armor. Critical hits deal double damage, and armor reduces incoming damage. Special abilities can be used once per combat encounter.",
		[]string{"combat", "health", "weapons", "armor", "critical"},
	},
	{
		TypeCharacter,
		"Eldric the Wise",
		"An ancient wizard who lives in a tower on the outskirts of the village. He is known for his wisdom and knowledge of ancient magic. He often helps travelers with advice and occasionally teaches magic to worthy students. He has a long white beard and always carries a staff with a glowing crystal.",
		[]string{"wizard", "wise", "magic", "tower", "ancient"},
	},
	{
		TypeCharacter,
		"Captain Thorne",
		"The captain of the village guard. A stern but fair leader who protects the village from bandits and monsters. He is skilled with a sword and shield, and his men respect him greatly. He has a scar across his left cheek from an old battle.",
		[]string{"guard", "captain", "sword", "shield", "leader", "stern"},
	},
	{
		TypeLocation,
		"The Rusty Anchor Tavern",
		"A cozy tavern in the center of the village. The walls are decorated with fishing nets and old maps. The tavern serves the best ale in the region and is a popular gathering place for locals and travelers. The owner, Greta, is friendly and always has a story to tell.",
		[]string{"tavern", "ale", "village", "gathering", "friendly"},
	},
	{
		TypeLocation,
		"The Dark Forest",
		"A mysterious forest that surrounds the village. The trees are tall and ancient, and the canopy blocks most sunlight. Strange sounds can be heard at night, and locals say the forest is home to magical creatures. Few dare to venture deep into its depths.",
		[]string{"forest", "dark", "mysterious", "magical", "dangerous"},
	},
	{
		TypeItem,
		"Healing Potion",
		"A red liquid that glows faintly. When consumed, it restores health and can cure minor wounds. Made from rare herbs found in the Dark Forest. Each potion can heal 10-20 health points depending on the quality.",
		[]string{"potion", "healing", "health", "herbs", "red"},
	},
	{
		TypeItem,
		"Magic Scroll",
		"An ancient parchment inscribed with magical runes. When read aloud, it can cast a spell once before the runes fade. The scrolls are rare and valuable, often found in ancient ruins or sold by traveling merchants.",
		[]string{"scroll", "magic", "runes", "spell", "ancient", "rare"},
	},
	{
		TypeQuest,
		"The Missing Merchant",
		"A traveling merchant named Marcus has gone missing while traveling through the Dark Forest. His family is offering a reward for anyone who can find him or discover what happened to him. The quest involves investigating the forest and following clues.",
		[]string{"quest", "missing", "merchant", "forest", "investigation", "reward"},
	},
}

// SeedDefault bootstraps the starter world-knowledge catalog. Idempotent:
// if any lore record already exists it does nothing, so it is safe to call
// on every process start.
func (x *Index) SeedDefault(ctx context.Context) error {
	keys, err := x.store.Keys(ctx, "lore:*")
	if err != nil {
		return errmodel.StoreUnavailable("lore key scan", err)
	}
	for _, k := range keys {
		if !isIndexKey(k) {
			log.Debug("lore already initialized, skipping seed")
			return nil
		}
	}
	log.Info("seeding default lore")
	for _, s := range defaultCatalog {
		if _, err := x.CreateEntry(ctx, s.typ, s.title, s.content, s.tags); err != nil {
			return err
		}
	}
	return nil
}
